package scheduler

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/scanfleet/internal/db"
)

// ledger applies heatmap and readynet mutations inside the transaction that
// holds the scheduler lock. Counts are never cached in memory.
type ledger struct {
	tx       *sqlx.Tx
	hotLevel int
}

// hot reports whether a bucket count excludes the bucket from assignment.
func hot(hotLevel, count int) bool {
	return hotLevel > 0 && count >= hotLevel
}

// distinctHashvals returns the sorted set of buckets touched by targets.
func distinctHashvals(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	hashvals := make([]string, 0, len(targets))
	for _, target := range targets {
		hv := Hashval(target)
		if _, ok := seen[hv]; ok {
			continue
		}
		seen[hv] = struct{}{}
		hashvals = append(hashvals, hv)
	}
	sort.Strings(hashvals)
	return hashvals
}

// addHeat increments every bucket of a new job by one. Buckets reaching the
// hot level lose their readynets in all queues.
func (l *ledger) addHeat(ctx context.Context, hashvals []string) error {
	for _, hv := range hashvals {
		var count int
		err := l.tx.QueryRowxContext(ctx, `
			INSERT INTO heatmap (hashval, count) VALUES ($1, 1)
			ON CONFLICT (hashval) DO UPDATE SET count = heatmap.count + 1
			RETURNING count`, hv).Scan(&count)
		if err != nil {
			return db.SanitizeError("add heat", err)
		}

		if hot(l.hotLevel, count) {
			if _, err := l.tx.ExecContext(ctx, `DELETE FROM readynet WHERE hashval = $1`, hv); err != nil {
				return db.SanitizeError("cool readynets", err)
			}
		}
	}
	return nil
}

// releaseHeat decrements the buckets of a finished job. Buckets dropping below
// the hot level become ready again for every queue holding targets in them.
// Rows reaching zero are kept until garbage collection.
func (l *ledger) releaseHeat(ctx context.Context, hashvals []string) error {
	for _, hv := range hashvals {
		var counts []int
		err := l.tx.SelectContext(ctx, &counts, `
			UPDATE heatmap SET count = count - 1
			WHERE hashval = $1 AND count > 0
			RETURNING count`, hv)
		if err != nil {
			return db.SanitizeError("release heat", err)
		}
		if len(counts) == 0 || hot(l.hotLevel, counts[0]) {
			continue
		}

		if _, err := l.tx.ExecContext(ctx, `
			INSERT INTO readynet (queue_id, hashval)
			SELECT DISTINCT queue_id, hashval FROM target WHERE hashval = $1
			ON CONFLICT DO NOTHING`, hv); err != nil {
			return db.SanitizeError("restore readynets", err)
		}
	}
	return nil
}

// markReady inserts readynets of a queue for the given buckets unless they are hot.
func (l *ledger) markReady(ctx context.Context, queueID int64, hashvals []string) error {
	if len(hashvals) == 0 {
		return nil
	}
	_, err := l.tx.ExecContext(ctx, `
		INSERT INTO readynet (queue_id, hashval)
		SELECT DISTINCT t.queue_id, t.hashval
		FROM target t LEFT JOIN heatmap h ON h.hashval = t.hashval
		WHERE t.queue_id = $1 AND t.hashval = ANY($2)
		  AND ($3 <= 0 OR COALESCE(h.count, 0) < $3)
		ON CONFLICT DO NOTHING`, queueID, pq.StringArray(hashvals), l.hotLevel)
	if err != nil {
		return db.SanitizeError("mark readynets", err)
	}
	return nil
}

// dropIfDrained removes the readynet of a queue bucket with no targets left.
func (l *ledger) dropIfDrained(ctx context.Context, queueID int64, hashval string) error {
	_, err := l.tx.ExecContext(ctx, `
		DELETE FROM readynet
		WHERE queue_id = $1 AND hashval = $2
		  AND NOT EXISTS (SELECT 1 FROM target WHERE queue_id = $1 AND hashval = $2)`, queueID, hashval)
	if err != nil {
		return db.SanitizeError("drop drained readynet", err)
	}
	return nil
}

// recount rebuilds all readynets from targets and heat.
func (l *ledger) recount(ctx context.Context) error {
	if _, err := l.tx.ExecContext(ctx, `DELETE FROM readynet`); err != nil {
		return db.SanitizeError("clear readynets", err)
	}
	_, err := l.tx.ExecContext(ctx, `
		INSERT INTO readynet (queue_id, hashval)
		SELECT DISTINCT t.queue_id, t.hashval
		FROM target t LEFT JOIN heatmap h ON h.hashval = t.hashval
		WHERE $1 <= 0 OR COALESCE(h.count, 0) < $1`, l.hotLevel)
	if err != nil {
		return db.SanitizeError("recount readynets", err)
	}
	return nil
}

// gc deletes idle heatmap rows.
func (l *ledger) gc(ctx context.Context) (int64, error) {
	result, err := l.tx.ExecContext(ctx, `DELETE FROM heatmap WHERE count = 0`)
	if err != nil {
		return 0, db.SanitizeError("heatmap gc", err)
	}
	return result.RowsAffected()
}
