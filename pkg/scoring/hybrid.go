package scoring

import (
	"strings"

	"github.com/sagemem/sage/pkg/analysis"
)

// Weights is one row of the query-type weight table. Each row sums to 1.
type Weights struct {
	Semantic float64
	Temporal float64
	Context  float64
	Keyword  float64
}

var weightTable = map[string]Weights{
	analysis.TypeTechnical:      {Semantic: 0.5, Temporal: 0.2, Context: 0.2, Keyword: 0.1},
	analysis.TypeDiagnostic:     {Semantic: 0.4, Temporal: 0.3, Context: 0.2, Keyword: 0.1},
	analysis.TypeConversational: {Semantic: 0.3, Temporal: 0.4, Context: 0.3, Keyword: 0.0},
	analysis.TypeConceptual:     {Semantic: 0.6, Temporal: 0.1, Context: 0.2, Keyword: 0.1},
	analysis.TypeProcedural:     {Semantic: 0.5, Temporal: 0.2, Context: 0.2, Keyword: 0.1},
}

// WeightsFor returns the weight row for a query type. Unknown types get
// the technical row.
func WeightsFor(queryType string) Weights {
	if w, ok := weightTable[queryType]; ok {
		return w
	}
	return weightTable[analysis.TypeTechnical]
}

// Candidate is the scoring view of one retrieval candidate.
type Candidate struct {
	Content       string
	Role          string
	SessionID     string
	Similarity    float64
	TemporalScore float64
}

// Scored is the scorer output.
type Scored struct {
	Semantic  float64
	Temporal  float64
	Context   float64
	Keyword   float64
	Final     float64
	Reasoning string
}

// Score combines the component scores per the query-type weights and
// produces the one-line reasoning string.
func Score(candidate Candidate, qc *analysis.QueryContext, recentSessions []string) Scored {
	weights := WeightsFor(qc.QueryType)

	contextScore := ContextScore(candidate, qc, recentSessions)
	keywordScore := KeywordScore(candidate.Content, qc.Keywords)

	final := weights.Semantic*candidate.Similarity +
		weights.Temporal*candidate.TemporalScore +
		weights.Context*contextScore +
		weights.Keyword*keywordScore

	return Scored{
		Semantic:  candidate.Similarity,
		Temporal:  candidate.TemporalScore,
		Context:   contextScore,
		Keyword:   keywordScore,
		Final:     clamp01(final),
		Reasoning: reasoning(candidate.Similarity, candidate.TemporalScore, contextScore, keywordScore),
	}
}

// ContextScore combines session continuity (40%), role consistency and
// technical-domain overlap with the query keywords, capped at 1.
func ContextScore(candidate Candidate, qc *analysis.QueryContext, recentSessions []string) float64 {
	score := 0.0

	for _, session := range recentSessions {
		if session == candidate.SessionID {
			score += 0.4
			break
		}
	}

	// Conversational continuations prefer what the assistant said;
	// everything else prefers what the user asked.
	preferredRole := "user"
	if qc.QueryType == analysis.TypeConversational {
		preferredRole = "assistant"
	}
	if candidate.Role == preferredRole {
		score += 0.3
	}

	score += 0.3 * KeywordScore(candidate.Content, qc.Keywords)

	return clamp01(score)
}

// KeywordScore is the fraction of query keywords found in the content.
func KeywordScore(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, keyword := range keywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// reasoning explains the ranking in one human-readable line.
func reasoning(semantic, temporal, contextScore, keyword float64) string {
	var parts []string
	switch {
	case semantic >= 0.8:
		parts = append(parts, "high semantic similarity")
	case semantic >= 0.5:
		parts = append(parts, "medium semantic similarity")
	}
	if temporal >= 0.7 {
		parts = append(parts, "time-sensitive")
	}
	if contextScore >= 0.5 {
		parts = append(parts, "context-relevant")
	}
	if keyword >= 0.5 {
		parts = append(parts, "keyword match")
	}
	if len(parts) == 0 {
		return "basic match"
	}
	return strings.Join(parts, ", ")
}
