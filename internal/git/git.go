package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned when the directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Info is the version-control state of a workspace
type Info struct {
	Sha    string
	Branch string
	Tags   []string // tags pointing at HEAD
}

// Repo reads git state by shelling out to the git binary
type Repo struct {
	dir    string
	binary string
}

// NewRepo creates a repo reader rooted at dir
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir, binary: "git"}
}

// Info returns the HEAD commit, current branch and tags at HEAD
func (r *Repo) Info(ctx context.Context) (*Info, error) {
	inside, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		return nil, ErrNotRepository
	}

	sha, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}

	// Detached HEAD reports "HEAD" here
	branch, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to read branch: %w", err)
	}

	tagsOut, err := r.run(ctx, "tag", "--points-at", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}

	tags := []string{}
	for _, t := range strings.Split(tagsOut, "\n") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	return &Info{Sha: sha, Branch: branch, Tags: tags}, nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, append([]string{"-C", r.dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
