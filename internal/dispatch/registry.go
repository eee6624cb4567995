package dispatch

import (
	"fmt"
	"strings"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// ParseEndpoints parses "id|owner|url" entries into agent references.
// Blank entries are skipped.
func ParseEndpoints(entries []string) ([]models.AgentRef, error) {
	agents := make([]models.AgentRef, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("agent endpoint %q: want id|owner|url", entry)
		}
		ref := models.AgentRef{
			ID:       strings.TrimSpace(parts[0]),
			OwnerID:  strings.TrimSpace(parts[1]),
			Endpoint: strings.TrimSpace(parts[2]),
		}
		if ref.ID == "" || ref.OwnerID == "" || ref.Endpoint == "" {
			return nil, fmt.Errorf("agent endpoint %q: id, owner and url are required", entry)
		}
		if !strings.HasPrefix(ref.Endpoint, "http://") && !strings.HasPrefix(ref.Endpoint, "https://") {
			return nil, fmt.Errorf("agent endpoint %q: url must be http or https", entry)
		}
		if seen[ref.ID] {
			return nil, fmt.Errorf("agent endpoint %q: duplicate id", entry)
		}
		seen[ref.ID] = true
		agents = append(agents, ref)
	}
	return agents, nil
}
