package dispatch

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxKeyPoints caps how many points are extracted from one answer.
const MaxKeyPoints = 5

var (
	listMarker    = regexp.MustCompile(`^\s*(?:[-*•·]|\d+[.)、]|[（(]?\d+[)）])\s*`)
	sentenceBreak = regexp.MustCompile(`[。！？!?；;]+|\.\s+`)
)

// ExtractKeyPoints pulls short points out of a free-text answer. Bulleted or
// numbered lines win; otherwise the answer is split into sentences.
func ExtractKeyPoints(answer string) []string {
	var bullets []string
	for _, line := range strings.Split(answer, "\n") {
		if listMarker.MatchString(line) {
			if p := cleanPoint(listMarker.ReplaceAllString(line, "")); p != "" {
				bullets = append(bullets, p)
			}
		}
	}
	if len(bullets) > 0 {
		return capPoints(bullets)
	}

	var sentences []string
	for _, s := range sentenceBreak.Split(answer, -1) {
		if p := cleanPoint(s); p != "" {
			sentences = append(sentences, p)
		}
	}
	return capPoints(sentences)
}

func cleanPoint(s string) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "。.!！"))
	if utf8.RuneCountInString(s) < 2 {
		return ""
	}
	return s
}

func capPoints(points []string) []string {
	if len(points) > MaxKeyPoints {
		return points[:MaxKeyPoints]
	}
	return points
}
