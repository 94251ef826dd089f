package cache

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *int64:
			*p = r.values[i].(int64)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			*p, _ = r.values[i].(*time.Time)
		}
	}
	return nil
}

type fakeDB struct {
	execs []string
	args  [][]any
	row   fakeRow
	tag   string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

func TestPostgresGet(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := created.Add(time.Minute)
	outputs, _ := json.Marshal(map[string]string{"tag": "v1"})
	db := &fakeDB{row: fakeRow{values: []any{
		"fp", "demo", "nightly", "build", "run-1", "success", outputs, int64(time.Hour), created, (*time.Time)(nil), &finished,
	}}}
	store := &PostgresStore{db: db}

	rec, err := store.Get(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "nightly", rec.FlowID)
	assert.Equal(t, "v1", rec.Outputs["tag"])
	assert.Equal(t, time.Hour, rec.LifeSpan)
	assert.True(t, rec.StartedAt.IsZero())
	assert.Equal(t, finished, rec.FinishedAt)
}

func TestPostgresGetMissing(t *testing.T) {
	store := &PostgresStore{db: &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}}
	_, err := store.Get(context.Background(), "fp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresPutUpserts(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	store := &PostgresStore{db: db}

	require.NoError(t, store.Put(context.Background(), &Record{
		Fingerprint: "fp",
		ProjectID:   "demo",
		FlowID:      "nightly",
		NodeID:      "build",
		Status:      StatusSuccess,
		CreatedAt:   time.Now(),
	}))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "ON CONFLICT (fingerprint) DO UPDATE")
	assert.Equal(t, "nightly", db.args[0][2])
	assert.Equal(t, []byte("{}"), db.args[0][6])
	assert.Nil(t, db.args[0][9])
}

func TestPostgresDelete(t *testing.T) {
	db := &fakeDB{tag: "DELETE 3"}
	store := &PostgresStore{db: db}

	n, err := store.Delete(context.Background(), Filter{FlowID: "nightly", NodeID: "build"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, strings.Contains(db.execs[0], "($3 = '' OR node_id = $3)"))
	assert.Equal(t, []any{"", "nightly", "build", (*time.Time)(nil)}, db.args[0])

	require.NoError(t, store.Migrate(context.Background()))
	assert.Contains(t, db.execs[1], "CREATE TABLE IF NOT EXISTS liteflow_cache")
	assert.Contains(t, db.execs[1], "CREATE TABLE IF NOT EXISTS liteflow_bakes")
}

func TestPostgresBakes(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{tag: "INSERT 0 1"}
	store := &PostgresStore{db: db}

	require.NoError(t, store.PutBake(context.Background(), &Bake{ID: "b1", ProjectID: "demo", FlowID: "nightly", Status: "failed", Started: started}))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "INSERT INTO liteflow_bakes")
	assert.Equal(t, "nightly", db.args[0][2])

	doc, _ := json.Marshal([]*Bake{{ID: "b1", FlowID: "nightly", Status: "failed"}})
	db.row = fakeRow{values: []any{doc}}
	list, err := store.ListBakes(context.Background(), Filter{FlowID: "nightly"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "failed", list[0].Status)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = store.GetBake(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
