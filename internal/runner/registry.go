package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/sourceplane/liteflow/internal/executor"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// entry is the on-disk record of a job started by some liteflow process
type entry struct {
	Handle   string            `json:"handle"`
	Name     string            `json:"name"`
	PID      int               `json:"pid,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Status   executor.Status   `json:"status"`
	Error    string            `json:"error,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// registry keeps one entry file per job under dir
type registry struct {
	dir string
}

func (g registry) path(handle string) string {
	return filepath.Join(g.dir, unsafeName.ReplaceAllString(handle, "_")+".json")
}

func (g registry) put(e *entry) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	path := g.path(e.Handle)
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to record job %s: %w", e.Handle, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to record job %s: %w", e.Handle, err)
	}
	return nil
}

func (g registry) get(handle string) (*entry, error) {
	data, err := os.ReadFile(g.path(handle))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownJob, handle)
	}
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", handle, err)
	}
	return &e, nil
}

func (g registry) remove(handle string) {
	_ = os.Remove(g.path(handle))
}

// list returns every readable entry. Unreadable files are skipped.
func (g registry) list() ([]*entry, error) {
	files, err := os.ReadDir(g.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	var out []*entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.dir, f.Name()))
		if err != nil {
			continue
		}
		var e entry
		if json.Unmarshal(data, &e) != nil || e.Handle == "" {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// status is the current status of e, looking at its process when e is still marked running
func (e *entry) status() executor.Status {
	if e.Status != executor.StatusRunning {
		return e.Status
	}
	if alive(e.PID) {
		return executor.StatusRunning
	}
	return executor.StatusExited
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
