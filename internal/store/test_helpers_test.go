package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/conductor/internal/model"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// withTx runs fn in a committed transaction and fails the test on error.
func withTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

var testNow = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// seedDefinition inserts a deployment and one definition version.
func seedDefinition(t *testing.T, s *Store, depID, defID, key string, version int) {
	t.Helper()
	withTx(t, s, func(tx *Tx) error {
		ctx := context.Background()
		if dep, err := tx.FindDeployment(ctx, depID); err != nil {
			return err
		} else if dep == nil {
			if err := tx.Insert(ctx, &model.Deployment{Record: model.Record{ID: depID}, Name: "bundle", DeployedAt: testNow}); err != nil {
				return err
			}
		}
		return tx.Insert(ctx, &model.Definition{
			Record:       model.Record{ID: defID},
			Key:          key,
			Name:         key,
			Version:      version,
			DeploymentID: depID,
			ResourceName: key + ".yaml",
			Fingerprint:  "fp-" + defID,
		})
	})
}

// seedJob inserts an unlocked async job due at testNow.
func seedJob(t *testing.T, s *Store, id, defID string) {
	t.Helper()
	withTx(t, s, func(tx *Tx) error {
		return tx.Insert(context.Background(), &model.Job{
			Record:       model.Record{ID: id},
			JobKind:      model.KindAsyncJob,
			HandlerType:  "noop",
			DefinitionID: defID,
			DueDate:      testNow,
			Retries:      3,
			CreatedAt:    testNow,
		})
	})
}
