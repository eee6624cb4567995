// Package relay streams a consultation's event log to one client.
//
// Each open connection runs its own poll loop: it reads the whole log,
// forwards the events the connection has not seen yet, and stops when the
// consultation finishes, the client goes away, or the maximum duration
// passes.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentoven/crowdconsult/internal/consult"
	"github.com/agentoven/crowdconsult/internal/eventlog"
	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/rs/zerolog/log"
)

// Stream event names besides the forwarded event types.
const (
	EventStatus  = "status"
	EventDone    = "done"
	EventTimeout = "timeout"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxDuration  = 5 * time.Minute
)

// Sink receives stream events. Send returns an error when the client can
// no longer be written to.
type Sink interface {
	Send(event string, data interface{}) error
}

// ConsultationReader is the slice of the store the relay needs.
type ConsultationReader interface {
	GetConsultation(ctx context.Context, id string) (*models.Consultation, error)
}

// Options tunes the poll loop.
type Options struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
}

// StatusPayload is the data of status and done events.
type StatusPayload struct {
	Status models.ConsultationStatus `json:"status"`
}

// TimeoutPayload is the data of the timeout event.
type TimeoutPayload struct {
	Message string `json:"message"`
}

// Relay serves consultation streams.
type Relay struct {
	consultations ConsultationReader
	events        eventlog.Log
	opts          Options
	now           func() time.Time
}

func New(consultations ConsultationReader, events eventlog.Log, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Relay{
		consultations: consultations,
		events:        events,
		opts:          opts,
		now:           time.Now,
	}
}

// connection is the state of one open stream. It is never shared.
type connection struct {
	id      string
	sink    Sink
	cursor  int // events already forwarded
	started time.Time
	closed  bool
}

// send delivers one event unless the connection is closed. A failed write
// closes the connection.
func (c *connection) send(ctx context.Context, event string, data interface{}) bool {
	if c.closed || ctx.Err() != nil {
		c.closed = true
		return false
	}
	if err := c.sink.Send(event, data); err != nil {
		log.Debug().Err(err).Str("consultation_id", c.id).Msg("Stream write failed, closing")
		c.closed = true
		return false
	}
	return true
}

// Stream authorizes the caller and then streams until the consultation is
// terminal, the stream times out, or ctx is canceled. Authorization errors
// (store.ErrNotFound, consult.ErrForbidden) are returned before anything is
// sent; after that Stream returns nil.
func (r *Relay) Stream(ctx context.Context, consultationID, callerID string, sink Sink) error {
	c, err := r.consultations.GetConsultation(ctx, consultationID)
	if err != nil {
		return err
	}
	if c.AskerID != callerID {
		return consult.ErrForbidden
	}

	conn := &connection{id: consultationID, sink: sink, started: r.now()}
	if !conn.send(ctx, EventStatus, StatusPayload{Status: c.Status}) {
		return nil
	}
	if c.Status.IsTerminal() {
		conn.send(ctx, EventDone, StatusPayload{Status: c.Status})
		return nil
	}

	log.Debug().Str("consultation_id", consultationID).Msg("📡 Stream opened")
	r.loop(ctx, conn)
	log.Debug().
		Str("consultation_id", consultationID).
		Int("forwarded", conn.cursor).
		Bool("client_gone", conn.closed).
		Msg("Stream closed")
	return nil
}

func (r *Relay) loop(ctx context.Context, conn *connection) {
	delay := r.opts.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.closed = true
			return
		case <-timer.C:
		}

		if r.now().Sub(conn.started) >= r.opts.MaxDuration {
			conn.send(ctx, EventTimeout, TimeoutPayload{Message: "stream duration exceeded, poll the consultation instead"})
			return
		}

		finished, err := r.poll(ctx, conn)
		if finished || conn.closed {
			return
		}

		delay = r.opts.PollInterval
		if err != nil {
			log.Warn().Err(err).Str("consultation_id", conn.id).Msg("Stream poll failed, backing off")
			delay = 2 * r.opts.PollInterval
		}
		if ctx.Err() != nil {
			conn.closed = true
			return
		}
		timer.Reset(delay)
	}
}

// poll runs one cycle and reports whether the stream is finished.
func (r *Relay) poll(ctx context.Context, conn *connection) (bool, error) {
	events, err := r.events.ReadAll(ctx, conn.id)
	if err != nil {
		return false, err
	}

	for i := conn.cursor; i < len(events); i++ {
		e := events[i]
		if !conn.send(ctx, string(e.Type), e.Payload) {
			return true, nil
		}
		conn.cursor = i + 1

		if e.IsTerminal() {
			var done models.DonePayload
			if err := json.Unmarshal(e.Payload, &done); err != nil || done.Status == "" {
				// Fall through to the status check below.
				break
			}
			conn.send(ctx, EventDone, StatusPayload{Status: done.Status})
			return true, nil
		}
	}

	c, err := r.consultations.GetConsultation(ctx, conn.id)
	if err != nil {
		return false, err
	}
	if c.Status.IsTerminal() {
		conn.send(ctx, EventDone, StatusPayload{Status: c.Status})
		return true, nil
	}
	return false, nil
}
