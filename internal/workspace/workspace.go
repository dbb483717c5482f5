// Package workspace manages per-ticket repo clones under a common root.
// Each ticket gets its own clone so concurrent agents never share a
// working tree.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/conveyorhq/conveyor/internal/ticket"
)

// Runner executes a command in a directory. Interface for testing.
type Runner interface {
	Run(dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands via exec.
type ExecRunner struct{}

func (ExecRunner) Run(dir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager creates and reuses clones under the workspace root.
type Manager struct {
	root string
	cmd  Runner
	log  *slog.Logger
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, cmd Runner) *Manager {
	return &Manager{root: dir, cmd: cmd, log: slog.Default()}
}

// Ensure returns the ticket's clone directory, cloning on first use. The
// clone is left as-is on reuse; agents manage their own branches.
func (m *Manager) Ensure(t *ticket.Ticket) (string, error) {
	dir := filepath.Join(m.root, fmt.Sprintf("%s_%s_%d", t.Owner, t.Repo, t.Number))
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	if _, err := m.cmd.Run("", "gh", "repo", "clone", t.FullRepo(), dir); err != nil {
		return "", fmt.Errorf("clone %s: %w", t.FullRepo(), err)
	}
	m.log.Info("cloned workspace", "repo", t.FullRepo(), "dir", dir)
	return dir, nil
}

// EnsureEngineering returns a shared clone of the engineering repo,
// cloning on first use and fast-forwarding after. A failed pull is logged
// and tolerated; a stale clone beats no clone.
func (m *Manager) EnsureEngineering(fullRepo string) (string, error) {
	dir := filepath.Join(m.root, strings.ReplaceAll(fullRepo, "/", "_"))
	if _, err := os.Stat(dir); err == nil {
		if _, err := m.cmd.Run(dir, "git", "pull", "--ff-only"); err != nil {
			m.log.Warn("engineering repo pull failed", "dir", dir, "error", err)
		}
		return dir, nil
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	if _, err := m.cmd.Run("", "gh", "repo", "clone", fullRepo, dir); err != nil {
		return "", fmt.Errorf("clone %s: %w", fullRepo, err)
	}
	return dir, nil
}

// Remove deletes a ticket's clone. Used when a ticket reaches a terminal
// state and the operator enables cleanup.
func (m *Manager) Remove(t *ticket.Ticket) error {
	dir := filepath.Join(m.root, fmt.Sprintf("%s_%s_%d", t.Owner, t.Repo, t.Number))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", dir, err)
	}
	return nil
}
