package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/internal/ticket"
)

type fakeRunner struct {
	calls []string
	// mkdir simulates the clone actually creating the target directory
	mkdir bool
}

func (f *fakeRunner) Run(dir, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if f.mkdir && name == "gh" && len(args) >= 4 {
		os.MkdirAll(args[3], 0o755)
	}
	return "", nil
}

func TestEnsureClonesOnce(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{mkdir: true}
	m := NewManager(root, runner)
	tk := ticket.New("acme", "widgets", 7, nil)

	dir, err := m.Ensure(tk)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	want := filepath.Join(root, "acme_widgets_7")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	if len(runner.calls) != 1 || !strings.HasPrefix(runner.calls[0], "gh repo clone acme/widgets") {
		t.Errorf("unexpected calls: %v", runner.calls)
	}

	// Second call reuses the existing clone.
	if _, err := m.Ensure(tk); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected no second clone, calls: %v", runner.calls)
	}
}

func TestEnsureEngineeringPullsExisting(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(root, runner)

	// Pre-create the clone directory.
	dir := filepath.Join(root, "acme_engineering")
	os.MkdirAll(dir, 0o755)

	got, err := m.EnsureEngineering("acme/engineering")
	if err != nil {
		t.Fatalf("EnsureEngineering: %v", err)
	}
	if got != dir {
		t.Errorf("dir = %q, want %q", got, dir)
	}
	if len(runner.calls) != 1 || !strings.HasPrefix(runner.calls[0], "git pull --ff-only") {
		t.Errorf("expected ff pull, got: %v", runner.calls)
	}
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, &fakeRunner{})
	tk := ticket.New("acme", "widgets", 7, nil)

	dir := filepath.Join(root, "acme_widgets_7")
	os.MkdirAll(dir, 0o755)
	if err := m.Remove(tk); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace should be gone")
	}
}
