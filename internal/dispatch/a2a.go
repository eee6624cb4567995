// Package dispatch sends consultation questions to other users' agents over
// the A2A JSON-RPC protocol (tasks/send).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MinAnswerLength is the shortest answer (in runes) accepted as valid.
const MinAnswerLength = 10

// Invalid reasons recorded on agent replies.
const (
	ReasonEmpty    = "empty_response"
	ReasonTooShort = "too_short"
	ReasonDeclined = "declined"
)

// A2AClient implements contracts.AgentDispatcher against a static set of
// agent endpoints.
type A2AClient struct {
	client    *resty.Client
	agents    []models.AgentRef
	maxAgents int
	shuffle   func(n int, swap func(i, j int))
}

// NewA2AClient creates a dispatcher. maxAgents <= 0 means no cap.
func NewA2AClient(agents []models.AgentRef, maxAgents int, timeout time.Duration) *A2AClient {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "crowdconsult-dispatch")

	return &A2AClient{
		client:    client,
		agents:    agents,
		maxAgents: maxAgents,
		shuffle:   rand.Shuffle,
	}
}

// Agents returns up to maxAgents agents not owned by askerID, in random order.
func (c *A2AClient) Agents(_ context.Context, askerID string) ([]models.AgentRef, error) {
	candidates := make([]models.AgentRef, 0, len(c.agents))
	for _, a := range c.agents {
		if a.OwnerID != askerID {
			candidates = append(candidates, a)
		}
	}
	c.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if c.maxAgents > 0 && len(candidates) > c.maxAgents {
		candidates = candidates[:c.maxAgents]
	}
	return candidates, nil
}

// ── JSON-RPC wire types ──────────────────────────────────────

type rpcRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	ID      string     `json:"id"`
	Params  taskParams `json:"params"`
}

type taskParams struct {
	ID      string     `json:"id"`
	Message rpcMessage `json:"message"`
}

type rpcMessage struct {
	Role  string    `json:"role"`
	Parts []rpcPart `json:"parts"`
}

type rpcPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type rpcResponse struct {
	Result *taskResult `json:"result"`
	Error  *rpcError   `json:"error"`
}

type taskResult struct {
	Status    *taskStatus   `json:"status"`
	Artifacts []rpcArtifact `json:"artifacts"`
	Message   *rpcMessage   `json:"message"`
	Output    string        `json:"output"`
}

type taskStatus struct {
	State   string      `json:"state"`
	Message *rpcMessage `json:"message"`
}

type rpcArtifact struct {
	Parts []rpcPart `json:"parts"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Ask sends the question to one agent and classifies its answer. Transport
// failures and JSON-RPC errors are returned as errors; answers that arrive
// but are unusable come back as an invalid reply.
func (c *A2AClient) Ask(ctx context.Context, agent models.AgentRef, question string) (*models.AgentReply, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tasks/send",
		ID:      uuid.New().String(),
		Params: taskParams{
			ID: uuid.New().String(),
			Message: rpcMessage{
				Role:  "user",
				Parts: []rpcPart{{Type: "text", Text: question}},
			},
		},
	}

	var rpcResp rpcResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&rpcResp).
		Post(agent.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent %s: HTTP %d", agent.ID, resp.StatusCode())
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("agent %s: rpc error %d: %s", agent.ID, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		// Some agents answer with plain text instead of JSON-RPC.
		if body := strings.TrimSpace(string(resp.Body())); body != "" && !json.Valid(resp.Body()) {
			return classify(body), nil
		}
		return &models.AgentReply{Valid: false, InvalidReason: ReasonEmpty}, nil
	}

	if st := rpcResp.Result.Status; st != nil && (st.State == "failed" || st.State == "canceled" || st.State == "rejected") {
		log.Debug().Str("agent_id", agent.ID).Str("state", st.State).Msg("Agent declined consultation")
		return &models.AgentReply{Valid: false, InvalidReason: ReasonDeclined}, nil
	}
	return classify(rpcResp.Result.text()), nil
}

func (r *taskResult) text() string {
	for _, a := range r.Artifacts {
		if t := joinText(a.Parts); t != "" {
			return t
		}
	}
	if r.Status != nil && r.Status.Message != nil {
		if t := joinText(r.Status.Message.Parts); t != "" {
			return t
		}
	}
	if r.Message != nil {
		if t := joinText(r.Message.Parts); t != "" {
			return t
		}
	}
	return r.Output
}

func joinText(parts []rpcPart) string {
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

func classify(answer string) *models.AgentReply {
	answer = strings.TrimSpace(answer)
	switch {
	case answer == "":
		return &models.AgentReply{Valid: false, InvalidReason: ReasonEmpty}
	case utf8.RuneCountInString(answer) < MinAnswerLength:
		return &models.AgentReply{Answer: answer, Valid: false, InvalidReason: ReasonTooShort}
	}
	return &models.AgentReply{
		Answer:    answer,
		KeyPoints: ExtractKeyPoints(answer),
		Valid:     true,
	}
}
