package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Activities log
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = TRUE WHERE id = ?`
	sqlSelectActivityByURI   = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local
		FROM activities WHERE activity_uri = ?`
)

// CreateActivity logs an activity. A repeated activity URI fails with ErrDuplicate.
func (db *DB) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertActivity,
			a.Id, a.ActivityURI, a.ActivityType, a.ActorURI, nullString(a.ObjectURI), a.RawJSON, a.Processed, a.CreatedAt, a.Local)
		return err
	})
}

func (db *DB) MarkActivityProcessed(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlMarkActivityProcessed, id)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var a domain.Activity
	var objectURI sql.NullString
	err := db.queryRow(ctx, sqlSelectActivityByURI, uri).Scan(
		&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &objectURI, &a.RawJSON, &a.Processed, &a.CreatedAt, &a.Local)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.ObjectURI = objectURI.String
	return &a, nil
}

// Delivery queue
const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, account_id, inbox_uri, activity_json, low_severity, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, account_id, inbox_uri, activity_json, low_severity, attempts, next_retry_at, created_at
		FROM delivery_queue WHERE next_retry_at <= ? ORDER BY low_severity, next_retry_at LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertDelivery,
			item.Id, item.AccountId, item.InboxURI, item.ActivityJSON, item.LowSeverity, item.Attempts,
			item.NextRetryAt.UTC(), item.CreatedAt.UTC())
		return err
	})
}

// ReadPendingDeliveries returns items due at now, normal severity first.
func (db *DB) ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.query(ctx, sqlSelectPendingDeliveries, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		if err := rows.Scan(&item.Id, &item.AccountId, &item.InboxURI, &item.ActivityJSON, &item.LowSeverity,
			&item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlUpdateDeliveryAttempt, attempts, nextRetry.UTC(), id)
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlDeleteDelivery, id)
		return err
	})
}

// Inbox queue
const (
	sqlInsertInboxJob = `INSERT INTO inbox_queue(id, activity_json, key_id, algorithm, signature, signed_headers, method, path, host, ip,
		priority, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUnclaimedInboxJobs = `SELECT id, activity_json, key_id, algorithm, signature, signed_headers, method, path, host, ip,
		priority, attempts, created_at FROM inbox_queue
		WHERE claimed_at IS NULL OR claimed_at < ?
		ORDER BY CASE WHEN priority = 'lazy' THEN 1 ELSE 0 END, created_at LIMIT ?`
	sqlClaimInboxJob   = `UPDATE inbox_queue SET claimed_at = ?, attempts = attempts + 1 WHERE id = ? AND (claimed_at IS NULL OR claimed_at < ?)`
	sqlReleaseInboxJob = `UPDATE inbox_queue SET claimed_at = NULL WHERE id = ?`
	sqlDeleteInboxJob  = `DELETE FROM inbox_queue WHERE id = ?`
	sqlCountInboxJobs  = `SELECT COUNT(*) FROM inbox_queue`
)

// InboxClaimTimeout is how long a claimed job stays invisible to other workers.
const InboxClaimTimeout = 5 * time.Minute

func (db *DB) EnqueueInboxJob(ctx context.Context, job *domain.InboxJob) error {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityNormal
	}
	headers, err := json.Marshal(job.SignedHeaders)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlInsertInboxJob,
			job.Id, job.ActivityJSON, job.KeyId, nullString(job.Algorithm), job.Signature, string(headers),
			job.Method, job.Path, job.Host, nullString(job.IP), string(job.Priority), job.Attempts, job.CreatedAt.UTC())
		return err
	})
}

// ClaimInboxJobs marks up to limit jobs as taken and returns them. Normal jobs come before lazy ones.
func (db *DB) ClaimInboxJobs(ctx context.Context, limit int) ([]domain.InboxJob, error) {
	now := time.Now().UTC()
	stale := now.Add(-InboxClaimTimeout)

	var claimed []domain.InboxJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, db.rebind(sqlSelectUnclaimedInboxJobs), stale, limit)
		if err != nil {
			return err
		}
		var candidates []domain.InboxJob
		for rows.Next() {
			var job domain.InboxJob
			var algorithm, ip sql.NullString
			var headers, priority string
			if err := rows.Scan(&job.Id, &job.ActivityJSON, &job.KeyId, &algorithm, &job.Signature, &headers,
				&job.Method, &job.Path, &job.Host, &ip, &priority, &job.Attempts, &job.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			job.Algorithm, job.IP = algorithm.String, ip.String
			job.Priority = domain.JobPriority(priority)
			if err := json.Unmarshal([]byte(headers), &job.SignedHeaders); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range candidates {
			res, err := db.exec(ctx, tx, sqlClaimInboxJob, now, job.Id, stale)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				job.Attempts++
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	return claimed, err
}

func (db *DB) ReleaseInboxJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlReleaseInboxJob, id)
		return err
	})
}

func (db *DB) DeleteInboxJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := db.exec(ctx, tx, sqlDeleteInboxJob, id)
		return err
	})
}

func (db *DB) CountInboxJobs(ctx context.Context) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountInboxJobs).Scan(&n)
	return n, err
}
