package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/crowdconsult/internal/eventlog"
	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLog(t *testing.T) (*eventlog.RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return eventlog.NewRedisLog(client, time.Hour), mr
}

func mustEvent(t *testing.T, typ models.EventType, payload any) models.Event {
	t.Helper()
	e, err := models.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	return e
}

func appendThree(t *testing.T, log eventlog.Log) {
	t.Helper()
	ctx := context.Background()
	events := []models.Event{
		mustEvent(t, models.EventConsultationStarted, models.StartedPayload{Agents: 2}),
		mustEvent(t, models.EventAgentResponded, models.AgentRespondedPayload{AgentID: "a", IsValid: true}),
		mustEvent(t, models.EventConsultationDone, models.DonePayload{Status: models.ConsultationDone}),
	}
	for _, e := range events {
		if err := log.Append(ctx, "c-1", e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.Type, err)
		}
	}
}

func assertOrder(t *testing.T, got []models.Event) {
	t.Helper()
	want := []models.EventType{
		models.EventConsultationStarted,
		models.EventAgentResponded,
		models.EventConsultationDone,
	}
	if len(got) != len(want) {
		t.Fatalf("ReadAll() returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, want[i])
		}
	}
}

func TestRedisLog_ReadAllInAppendOrder(t *testing.T) {
	log, _ := newRedisLog(t)
	appendThree(t, log)

	got, err := log.ReadAll(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	assertOrder(t, got)
	if !got[2].IsTerminal() {
		t.Error("last event should be terminal")
	}
}

func TestRedisLog_StoredNewestFirst(t *testing.T) {
	log, mr := newRedisLog(t)
	appendThree(t, log)

	raw, err := mr.List(eventlog.Key("c-1"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("list length = %d, want 3", len(raw))
	}
	if mr.TTL(eventlog.Key("c-1")) != time.Hour {
		t.Errorf("TTL = %v, want 1h", mr.TTL(eventlog.Key("c-1")))
	}
}

func TestRedisLog_PayloadRoundTrip(t *testing.T) {
	log, _ := newRedisLog(t)
	ctx := context.Background()

	e := mustEvent(t, models.EventConsultationStarted, models.StartedPayload{Agents: 3})
	if err := log.Append(ctx, "c-2", e); err != nil {
		t.Fatal(err)
	}
	got, err := log.ReadAll(ctx, "c-2")
	if err != nil {
		t.Fatal(err)
	}
	if string(got[0].Payload) != `{"agents":3}` {
		t.Errorf("Payload = %s", got[0].Payload)
	}
}

func TestRedisLog_EmptyAndUnavailable(t *testing.T) {
	log, mr := newRedisLog(t)

	got, err := log.ReadAll(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ReadAll(missing) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}

	mr.Close()
	if _, err := log.ReadAll(context.Background(), "missing"); err == nil {
		t.Error("ReadAll() with Redis down should return an error")
	}
}

func TestMemoryLog_ReadAllInAppendOrder(t *testing.T) {
	log := eventlog.NewMemoryLog()
	appendThree(t, log)

	got, err := log.ReadAll(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	assertOrder(t, got)

	got[0].Type = "mutated"
	again, _ := log.ReadAll(context.Background(), "c-1")
	if again[0].Type != models.EventConsultationStarted {
		t.Error("ReadAll() must return a copy")
	}
}

func TestKey(t *testing.T) {
	if got := eventlog.Key("abc"); got != "consultation-events:abc" {
		t.Errorf("Key() = %q", got)
	}
}
