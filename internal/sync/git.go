package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const gitCommitMessage = "turnq: update queue backup"

// GitDestination keeps the export as a file in a local clone and pushes
// each change to origin as its own commit.
type GitDestination struct {
	repo   string
	file   string
	branch string
	out    io.Writer
}

// NewGitDestination returns a destination for the clone at repo. Git's
// output is copied to out when it is non-nil.
func NewGitDestination(repo, file, branch string, out io.Writer) *GitDestination {
	if out == nil {
		out = io.Discard
	}
	return &GitDestination{repo: repo, file: file, branch: branch, out: out}
}

func (d *GitDestination) Name() string { return "git" }

func (d *GitDestination) Write(ctx context.Context, data []byte) error {
	if err := d.git(ctx, "checkout", d.branch); err != nil {
		return err
	}
	// A fresh remote has no branch to pull yet.
	_ = d.git(ctx, "pull", "--ff-only", "origin", d.branch)

	dst := filepath.Join(d.repo, d.file)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if err := d.git(ctx, "add", "--", d.file); err != nil {
		return err
	}
	changed, err := d.staged(ctx)
	if err != nil || !changed {
		return err
	}
	if err := d.git(ctx, "commit", "--quiet", "-m", gitCommitMessage); err != nil {
		return err
	}
	return d.git(ctx, "push", "--quiet", "origin", d.branch)
}

// staged reports whether the index differs from HEAD.
func (d *GitDestination) staged(ctx context.Context) (bool, error) {
	err := d.git(ctx, "diff", "--cached", "--quiet")
	var exit *exec.ExitError
	switch {
	case err == nil:
		return false, nil
	case errors.As(err, &exit) && exit.ExitCode() == 1:
		return true, nil
	}
	return false, err
}

// git runs one subcommand in the clone. Failures carry git's stderr.
func (d *GitDestination) git(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.repo
	cmd.Stdout = d.out
	cmd.Stderr = io.MultiWriter(d.out, &stderr)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}
