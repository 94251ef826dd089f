package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Bake is the persisted summary of one batch run
type Bake struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	FlowID    string     `json:"flow_id"`
	Status    string     `json:"status"`
	Started   time.Time  `json:"started"`
	Finished  time.Time  `json:"finished"`
	Nodes     []BakeNode `json:"nodes"`
}

// BakeNode is the final state of one node of a bake
type BakeNode struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// BakeStore keeps bake history
type BakeStore interface {
	PutBake(ctx context.Context, b *Bake) error
	GetBake(ctx context.Context, id string) (*Bake, error)
	// ListBakes returns the bakes selected by the project and flow of f, newest first
	ListBakes(ctx context.Context, f Filter) ([]*Bake, error)
}

func (b *Bake) selected(f Filter) bool {
	return (f.ProjectID == "" || b.ProjectID == f.ProjectID) && (f.FlowID == "" || b.FlowID == f.FlowID)
}

func sortBakes(bakes []*Bake) {
	sort.SliceStable(bakes, func(i, j int) bool { return bakes[i].Started.After(bakes[j].Started) })
}

func copyBake(b *Bake) *Bake {
	out := *b
	out.Nodes = append([]BakeNode(nil), b.Nodes...)
	return &out
}

// PutBake implements BakeStore
func (s *MemoryStore) PutBake(_ context.Context, b *Bake) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("bake has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bakes == nil {
		s.bakes = make(map[string]*Bake)
	}
	s.bakes[b.ID] = copyBake(b)
	return nil
}

// GetBake implements BakeStore
func (s *MemoryStore) GetBake(_ context.Context, id string) (*Bake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bakes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBake(b), nil
}

// ListBakes implements BakeStore
func (s *MemoryStore) ListBakes(_ context.Context, f Filter) ([]*Bake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Bake
	for _, b := range s.bakes {
		if b.selected(f) {
			out = append(out, copyBake(b))
		}
	}
	sortBakes(out)
	return out, nil
}

func (s *FileStore) bakesDir() string { return filepath.Join(s.Dir, "bakes") }

// PutBake implements BakeStore
func (s *FileStore) PutBake(_ context.Context, b *Bake) error {
	if b == nil || b.ID == "" || strings.ContainsAny(b.ID, `/\`) {
		return fmt.Errorf("invalid bake id %q", bakeID(b))
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bake: %w", err)
	}
	if err := os.MkdirAll(s.bakesDir(), 0o755); err != nil {
		return fmt.Errorf("creating bake directory: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.bakesDir(), b.ID+".json"), data, 0o644)
}

// GetBake implements BakeStore
func (s *FileStore) GetBake(_ context.Context, id string) (*Bake, error) {
	if strings.ContainsAny(id, `/\`) {
		return nil, ErrNotFound
	}
	return readBake(filepath.Join(s.bakesDir(), id+".json"))
}

// ListBakes implements BakeStore
func (s *FileStore) ListBakes(_ context.Context, f Filter) ([]*Bake, error) {
	entries, err := os.ReadDir(s.bakesDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bake directory: %w", err)
	}
	var out []*Bake
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" || strings.Contains(entry.Name(), ".tmp.") {
			continue
		}
		b, err := readBake(filepath.Join(s.bakesDir(), entry.Name()))
		if err != nil {
			return nil, err
		}
		if b.selected(f) {
			out = append(out, b)
		}
	}
	sortBakes(out)
	return out, nil
}

func readBake(path string) (*Bake, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading bake: %w", err)
	}
	var b Bake
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bake %s: %w", filepath.Base(path), err)
	}
	return &b, nil
}

func bakeID(b *Bake) string {
	if b == nil {
		return ""
	}
	return b.ID
}

// PutBake implements BakeStore
func (s *PostgresStore) PutBake(ctx context.Context, b *Bake) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("bake has no id")
	}
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bake: %w", err)
	}
	query := `
		INSERT INTO liteflow_bakes (id, project_id, flow_id, status, started_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    doc = EXCLUDED.doc
	`
	if _, err := s.db.Exec(ctx, query, b.ID, b.ProjectID, b.FlowID, b.Status, b.Started, doc); err != nil {
		return fmt.Errorf("upsert bake: %w", err)
	}
	return nil
}

// GetBake implements BakeStore
func (s *PostgresStore) GetBake(ctx context.Context, id string) (*Bake, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM liteflow_bakes WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select bake: %w", err)
	}
	var b Bake
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("unmarshal bake: %w", err)
	}
	return &b, nil
}

// ListBakes implements BakeStore
func (s *PostgresStore) ListBakes(ctx context.Context, f Filter) ([]*Bake, error) {
	query := `
		SELECT COALESCE(jsonb_agg(doc ORDER BY started_at DESC), '[]'::jsonb)
		FROM liteflow_bakes
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR flow_id = $2)
	`
	var docs []byte
	if err := s.db.QueryRow(ctx, query, f.ProjectID, f.FlowID).Scan(&docs); err != nil {
		return nil, fmt.Errorf("select bakes: %w", err)
	}
	var out []*Bake
	if err := json.Unmarshal(docs, &out); err != nil {
		return nil, fmt.Errorf("unmarshal bakes: %w", err)
	}
	return out, nil
}
