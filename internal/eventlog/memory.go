package eventlog

import (
	"context"
	"sync"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// MemoryLog is a process-local Log. Events are lost on restart.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]models.Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]models.Event)}
}

func (l *MemoryLog) Append(_ context.Context, consultationID string, event models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[consultationID] = append(l.events[consultationID], event)
	return nil
}

func (l *MemoryLog) ReadAll(_ context.Context, consultationID string) ([]models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.events[consultationID]
	out := make([]models.Event, len(src))
	copy(out, src)
	return out, nil
}
