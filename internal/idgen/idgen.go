// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// MessagePrefix is prepended to operator message IDs.
var MessagePrefix = "msg-"

// TabPrefix starts every tab ID.
const TabPrefix = "tab_"

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MessageID returns a new operator message ID.
func MessageID() (string, error) {
	return GenerateWithPrefix(MessagePrefix)
}

// TabID returns "tab_<unix-millis>_<random>" for a tab created at now.
func TabID(now time.Time) (string, error) {
	return GenerateWithPrefix(TabPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_")
}

// TabCreatedAt extracts the creation time embedded in a tab ID.
func TabCreatedAt(id string) (time.Time, error) {
	rest, ok := strings.CutPrefix(id, TabPrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("idgen: %q is not a tab id", id)
	}
	millis, _, ok := strings.Cut(rest, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("idgen: %q is not a tab id", id)
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("idgen: tab id %q: %w", id, err)
	}
	return time.UnixMilli(ms), nil
}
