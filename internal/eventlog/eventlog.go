// Package eventlog keeps the per-consultation progress log that the
// streaming relay replays to clients.
//
// Logs are append-only. ReadAll returns every event appended for a
// consultation in append order; events already read are never reordered,
// so a reader can resume from the count it has already seen.
package eventlog

import (
	"context"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// KeyPrefix namespaces event lists in the shared key-value store.
const KeyPrefix = "consultation-events:"

// Log appends and reads consultation events.
type Log interface {
	Append(ctx context.Context, consultationID string, event models.Event) error
	ReadAll(ctx context.Context, consultationID string) ([]models.Event, error)
}

// Key returns the storage key for a consultation's events.
func Key(consultationID string) string {
	return KeyPrefix + consultationID
}
