package store

import (
	"context"
	"time"
)

// CompareAndSwapLock takes the lease on a job if the job still has the
// expected revision and is unlocked or holds an expired lease. It bumps the
// revision on success. Exactly one of several concurrent callers observing
// the same revision can succeed.
func (t *Tx) CompareAndSwapLock(ctx context.Context, jobID string, expectedRevision int64, owner string, expiration, now time.Time) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE jobs
		SET lock_owner = ?, lock_expiration = ?, revision = revision + 1
		WHERE id = ? AND revision = ?
		  AND (lock_owner IS NULL OR lock_expiration < ?)
	`, owner, expiration.UnixMilli(), jobID, expectedRevision, now.UnixMilli())
	if err != nil {
		return false, t.classify("lock job "+jobID, nil, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, t.classify("lock job "+jobID, nil, err)
	}
	return n == 1, nil
}

// AcquireDeploymentLock serializes deployments across nodes. The lock is a
// write to a well-known row and is held until the transaction ends.
func (t *Tx) AcquireDeploymentLock(ctx context.Context) error {
	_, err := t.exec(ctx,
		`UPDATE engine_properties SET revision = revision + 1 WHERE name = ?`, "deployment.lock")
	if err != nil {
		return t.classify("deployment lock", nil, err)
	}
	return nil
}
