package agent

import (
	"encoding/json"
	"strings"
)

// Review is a structured critique of one proposal.
type Review struct {
	CriticID   string   `json:"critic_id"`
	SubjectID  string   `json:"subject_id"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
	Score      float64  `json:"score"`
	Summary    string   `json:"reasoning"`
}

// defaultScore is used when a critique cannot be parsed. Neutral rather
// than zero so one malformed reply does not sink a proposal.
const defaultScore = 5.0

// ParseReview extracts a Review from model output. Models wrap JSON in
// prose and code fences despite instructions, so this scans for the
// outermost object instead of unmarshalling the raw text. Anything
// unparseable becomes a neutral review carrying the raw text as its
// summary.
func ParseReview(raw string) Review {
	r := Review{Score: defaultScore, Summary: strings.TrimSpace(raw)}

	obj := ExtractJSON(raw)
	if obj == "" {
		return r
	}
	var parsed struct {
		Strengths  []string `json:"strengths"`
		Weaknesses []string `json:"weaknesses"`
		Score      *float64 `json:"score"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return r
	}

	r.Strengths = parsed.Strengths
	r.Weaknesses = parsed.Weaknesses
	if parsed.Reasoning != "" {
		r.Summary = parsed.Reasoning
	}
	if parsed.Score != nil {
		r.Score = clampScore(*parsed.Score)
	}
	return r
}

// ParseVote extracts the chosen proposal ID from model output, or ""
// when no ballot can be recovered.
func ParseVote(raw string) string {
	obj := ExtractJSON(raw)
	if obj == "" {
		return ""
	}
	var parsed struct {
		Vote string `json:"vote"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Vote)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

// ExtractJSON returns the first balanced top-level JSON object in
// the text, respecting string literals and escapes.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
