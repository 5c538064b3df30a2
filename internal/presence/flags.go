package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alfredjeanlab/turnqueue/internal/idgen"
)

// Claim marks which tab is the active one for an agent on this device.
// Timestamp is the claiming tab's creation time.
type Claim struct {
	TabID     string    `json:"tab_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewerThan reports whether c was created after o. Equal timestamps are
// broken by tab ID so two tabs never both consider themselves newest.
func (c Claim) NewerThan(o Claim) bool {
	ct, ot := c.createdAt(), o.createdAt()
	if !ct.Equal(ot) {
		return ct.After(ot)
	}
	return c.TabID > o.TabID
}

// createdAt falls back to the time embedded in the tab ID for a claim
// written without a timestamp.
func (c Claim) createdAt() time.Time {
	if c.Timestamp.IsZero() {
		if t, err := idgen.TabCreatedAt(c.TabID); err == nil {
			return t
		}
	}
	return c.Timestamp
}

// FlagStore holds the active-tab claim per agent. Get returns nil when no
// tab holds the flag.
type FlagStore interface {
	Get(agentID int64) (*Claim, error)
	Set(agentID int64, c Claim) error
	Remove(agentID int64) error
}

// Watcher is implemented by flag stores that can report external changes.
// fn is called when the agent's flag is removed out from under the guard.
type Watcher interface {
	Watch(agentID int64, fn func()) (cancel func(), err error)
}

// MemoryFlags is a FlagStore shared by guards in one process.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[int64]Claim
}

// NewMemoryFlags returns an empty flag store.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[int64]Claim)}
}

func (m *MemoryFlags) Get(agentID int64) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.flags[agentID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryFlags) Set(agentID int64, c Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[agentID] = c
	return nil
}

func (m *MemoryFlags) Remove(agentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, agentID)
	return nil
}

// FileFlags keeps one JSON file per agent in a local directory, so every
// process on the device sees the same claims.
type FileFlags struct {
	dir string
}

var _ Watcher = (*FileFlags)(nil)

// NewFileFlags creates dir if needed.
func NewFileFlags(dir string) (*FileFlags, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating flag dir: %w", err)
	}
	return &FileFlags{dir: dir}, nil
}

func (f *FileFlags) name(agentID int64) string {
	return "agent_" + strconv.FormatInt(agentID, 10) + "_active_tab.json"
}

func (f *FileFlags) path(agentID int64) string {
	return filepath.Join(f.dir, f.name(agentID))
}

func (f *FileFlags) Get(agentID int64) (*Claim, error) {
	data, err := os.ReadFile(f.path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading flag: %w", err)
	}
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		// A torn or foreign file counts as no claim.
		slog.Warn("presence: ignoring unreadable flag", "path", f.path(agentID), "err", err)
		return nil, nil
	}
	return &c, nil
}

// Set writes the claim through a temp file and rename.
func (f *FileFlags) Set(agentID int64, c Claim) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".flag-*")
	if err != nil {
		return fmt.Errorf("writing flag: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing flag: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing flag: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(agentID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing flag: %w", err)
	}
	return nil
}

func (f *FileFlags) Remove(agentID int64) error {
	err := os.Remove(f.path(agentID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing flag: %w", err)
	}
	return nil
}

// Watch calls fn whenever the agent's flag file is deleted or moved away.
func (f *FileFlags) Watch(agentID int64, fn func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watching flags: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching flags: %w", err)
	}
	target := f.name(agentID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == target && ev.Has(fsnotify.Remove|fsnotify.Rename) {
					fn()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("presence: flag watch error", "dir", f.dir, "err", err)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.Close()
			<-done
		})
	}, nil
}
