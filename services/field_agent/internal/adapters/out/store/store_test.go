package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

type opener func(t *testing.T, dir string) out.QueueStore

var backends = map[string]opener{
	"file": func(t *testing.T, dir string) out.QueueStore {
		s, err := Open("file", "", filepath.Join(dir, "queue.json"))
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T, dir string) out.QueueStore {
		s, err := Open("sqlite", "", filepath.Join(dir, "queue.db"))
		require.NoError(t, err)
		return s
	},
}

func sub(id, target string, at time.Time) entity.Submission {
	return entity.Submission{
		ID:        id,
		CreatedAt: at.UTC().Truncate(time.Millisecond),
		TargetURL: target,
		Method:    "POST",
		Headers:   map[string]string{"Idempotency-Key": id, "Content-Type": "application/json"},
		Body:      []byte(`{"title":"` + id + `"}`),
	}
}

func TestStoreFIFOAndDelete(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, t.TempDir())
			defer s.Close()

			now := time.Now()
			for i, id := range []string{"a", "b", "c"} {
				require.NoError(t, s.Append(ctx, sub(id, "http://hub/field", now.Add(time.Duration(i)*time.Second))))
			}

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			require.NoError(t, s.Delete(ctx, "b"))
			assert.ErrorIs(t, s.Delete(ctx, "b"), errs.ErrSubmissionAbsent)

			items, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].ID)
			assert.Equal(t, "c", items[1].ID)
			assert.Equal(t, "c", items[1].Headers["Idempotency-Key"])
			assert.JSONEq(t, `{"title":"c"}`, string(items[1].Body))
		})
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			at := time.Now()

			first := open(t, dir)
			require.NoError(t, first.Append(ctx, sub("x1", "http://hub/field", at)))
			require.NoError(t, first.Append(ctx, sub("x2", "http://hub/field", at.Add(time.Second))))
			require.NoError(t, first.Close())

			second := open(t, dir)
			defer second.Close()

			items, err := second.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "x1", items[0].ID)
			assert.Equal(t, "x2", items[1].ID)
			assert.True(t, at.UTC().Truncate(time.Millisecond).Equal(items[0].CreatedAt))
			assert.Equal(t, "POST", items[0].Method)
		})
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "queue.json"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, sub("a", "u", time.Now())))
	require.NoError(t, s.Delete(ctx, "a"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue.json", entries[0].Name())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("badger", "", filepath.Join(t.TempDir(), "q"))
	assert.Error(t, err)
}
