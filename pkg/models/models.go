// Package models defines the shared data types of the crowd consultation
// control plane: consultations, agent responses, lifecycle events and the
// collaborator shapes used by agent dispatch.
package models

import (
	"encoding/json"
	"time"
)

// ── Consultation ─────────────────────────────────────────────

type ConsultationStatus string

const (
	ConsultationPending ConsultationStatus = "PENDING"
	ConsultationDone    ConsultationStatus = "DONE"
	ConsultationPartial ConsultationStatus = "PARTIAL"
	ConsultationFailed  ConsultationStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ConsultationStatus) IsTerminal() bool {
	switch s {
	case ConsultationDone, ConsultationPartial, ConsultationFailed:
		return true
	}
	return false
}

// Question length bounds, counted in runes after trimming.
const (
	QuestionMinLength = 5
	QuestionMaxLength = 500
)

// Consultation is one user-initiated health question and its crowd-sourced
// response lifecycle. It starts PENDING and moves exactly once to DONE,
// PARTIAL or FAILED.
type Consultation struct {
	ID        string             `json:"id"`
	AskerID   string             `json:"askerId"`
	Question  string             `json:"question,omitempty"`
	Status    ConsultationStatus `json:"status"`
	Summary   *Summary           `json:"summary"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Summary is the aggregate consensus report attached to a finished consultation.
type Summary struct {
	ConsensusPoints      []string `json:"consensusPoints"`
	PreparationChecklist []string `json:"preparationChecklist"`
	RiskWarning          string   `json:"riskWarning"`
	ValidResponses       int      `json:"validResponses"`
	TotalResponses       int      `json:"totalResponses"`
}

// ── Agent Response ───────────────────────────────────────────

// AgentResponse is one agent's answer to a consultation. Written once by the
// fan-out job, never updated.
type AgentResponse struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultationId"`
	AgentID        string    `json:"agentId"`
	RawResponse    string    `json:"rawResponse,omitempty"`
	KeyPoints      []string  `json:"keyPoints"`
	IsValid        bool      `json:"isValid"`
	InvalidReason  string    `json:"invalidReason,omitempty"`
	LatencyMs      int64     `json:"latencyMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConsultationView is the read model returned to callers. Fields are
// redacted according to who is asking.
type ConsultationView struct {
	Consultation Consultation    `json:"consultation"`
	Responses    []AgentResponse `json:"responses"`
}

// ── Feedback ─────────────────────────────────────────────────

// Feedback is the asker's rating of a finished consultation.
type Feedback struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultationId"`
	UserID         string    `json:"userId"`
	Helpful        bool      `json:"helpful"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ── Events ───────────────────────────────────────────────────

type EventType string

const (
	EventConsultationStarted EventType = "consultation:started"
	EventAgentResponded      EventType = "agent:responded"
	EventConsultationDone    EventType = "consultation:done"
)

// Event is one entry of a consultation's ordered lifecycle log. Its sequence
// position is implicit in the log.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// IsTerminal reports whether the event closes the consultation's log.
func (e Event) IsTerminal() bool {
	return e.Type == EventConsultationDone
}

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(t EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: data, At: time.Now().UTC()}, nil
}

// StartedPayload is carried by consultation:started.
type StartedPayload struct {
	Agents int `json:"agents"`
}

// AgentRespondedPayload is carried by agent:responded.
type AgentRespondedPayload struct {
	AgentID       string   `json:"agentId"`
	IsValid       bool     `json:"isValid"`
	InvalidReason string   `json:"invalidReason,omitempty"`
	LatencyMs     int64    `json:"latencyMs"`
	KeyPoints     []string `json:"keyPoints"`
}

// DonePayload is carried by consultation:done.
type DonePayload struct {
	Status ConsultationStatus `json:"status"`
}

// ── Agent dispatch ───────────────────────────────────────────

// AgentRef identifies another user's agent that can be consulted.
type AgentRef struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	Endpoint string `json:"endpoint"`
}

// AgentReply is what an agent returned for a question, with validity metadata.
type AgentReply struct {
	Answer        string   `json:"answer"`
	KeyPoints     []string `json:"keyPoints"`
	Valid         bool     `json:"valid"`
	InvalidReason string   `json:"invalidReason,omitempty"`
}
