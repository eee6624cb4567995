package consult

import (
	"context"
	"sort"
	"strings"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// DefaultRiskWarning is attached to every summary.
const DefaultRiskWarning = "以上内容来自其他用户的经验分享，不构成医疗建议。如症状加重或出现新的不适，请及时就医。" +
	" This is shared experience from other users, not medical advice."

// KeyPointSummarizer builds a summary by counting the key points that valid
// agents reported. It does no language processing beyond normalizing case
// and whitespace.
type KeyPointSummarizer struct {
	// MaxPoints caps each list in the summary.
	MaxPoints int
	// PrepMarkers flag a point as a preparation step.
	PrepMarkers []string
	// RiskMarkers flag a point as a risk to surface in the warning.
	RiskMarkers []string
}

func NewKeyPointSummarizer() *KeyPointSummarizer {
	return &KeyPointSummarizer{
		MaxPoints: 5,
		PrepMarkers: []string{
			"带", "准备", "提前", "空腹", "预约", "记录", "携带",
			"bring", "prepare", "before", "fast", "book", "write down", "list",
		},
		RiskMarkers: []string{
			"过敏", "禁忌", "副作用", "风险", "孕", "出血",
			"allerg", "contraindicat", "side effect", "risk", "pregnan", "bleed",
		},
	}
}

type pointCount struct {
	text  string
	count int
	first int
}

// Summarize implements contracts.Summarizer.
func (s *KeyPointSummarizer) Summarize(_ context.Context, _ string, responses []models.AgentResponse) (*models.Summary, error) {
	counts := make(map[string]*pointCount)
	order := 0
	valid := 0
	for _, r := range responses {
		if !r.IsValid {
			continue
		}
		valid++
		seen := make(map[string]bool)
		for _, p := range r.KeyPoints {
			key := normalizePoint(p)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			pc, ok := counts[key]
			if !ok {
				pc = &pointCount{text: strings.TrimSpace(p), first: order}
				counts[key] = pc
				order++
			}
			pc.count++
		}
	}

	ranked := make([]*pointCount, 0, len(counts))
	for _, pc := range counts {
		ranked = append(ranked, pc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})

	// A point is consensus when more than one agent made it, or when only
	// one agent answered at all.
	threshold := 2
	if valid < 2 {
		threshold = 1
	}

	summary := &models.Summary{
		ConsensusPoints:      []string{},
		PreparationChecklist: []string{},
		RiskWarning:          DefaultRiskWarning,
	}
	var risks []string
	for _, pc := range ranked {
		lower := strings.ToLower(pc.text)
		switch {
		case containsAny(lower, s.RiskMarkers):
			risks = append(risks, pc.text)
		case containsAny(lower, s.PrepMarkers):
			if len(summary.PreparationChecklist) < s.MaxPoints {
				summary.PreparationChecklist = append(summary.PreparationChecklist, pc.text)
			}
		case pc.count >= threshold:
			if len(summary.ConsensusPoints) < s.MaxPoints {
				summary.ConsensusPoints = append(summary.ConsensusPoints, pc.text)
			}
		}
	}
	if len(risks) > 0 {
		if len(risks) > s.MaxPoints {
			risks = risks[:s.MaxPoints]
		}
		summary.RiskWarning = strings.Join(risks, "; ") + ". " + DefaultRiskWarning
	}
	return summary, nil
}

func normalizePoint(p string) string {
	return strings.Join(strings.Fields(strings.ToLower(p)), " ")
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
