// Package storage is the transactional datastore behind the job queue and
// the returns table. The job procedures (enqueue, claim, complete) are each
// a single atomic statement or transaction so that any number of worker
// processes can share one database without coordinating among themselves.
package storage

import (
	"encoding/json"
	"time"

	"github.com/SirClappington/mktops/internal/domain"
)

const (
	// retryBackoff is multiplied by the attempt number of the re-queued job.
	retryBackoff = 30 * time.Second

	defaultListLimit = 50
	maxListLimit     = 200
)

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func withDefaults(p domain.EnqueueParams, now time.Time) domain.EnqueueParams {
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}
	return p
}

// retryOf builds the follow-up attempt for a failed job, or reports false
// when the job exhausted its retries.
func retryOf(j *domain.Job, now time.Time) (domain.EnqueueParams, bool) {
	if j.RetryCount >= j.MaxRetries {
		return domain.EnqueueParams{}, false
	}
	attempt := j.RetryCount + 1
	return domain.EnqueueParams{
		Type:         j.Type,
		ResourceType: j.ResourceType,
		ResourceID:   j.ResourceID,
		Priority:     j.Priority,
		MaxRetries:   j.MaxRetries,
		ScheduledAt:  now.Add(time.Duration(attempt) * retryBackoff),
		Metadata:     j.Metadata,
	}, true
}

func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
