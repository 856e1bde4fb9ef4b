package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sagemem/sage/pkg/analysis"
)

func TestTemporalScoreFreshMemory(t *testing.T) {
	now := time.Now()
	// Within the hour: boosted and floored at 0.9.
	score := TemporalScore(now.Add(-30*time.Minute), now, DefaultDecay)
	assert.GreaterOrEqual(t, score, 0.9)
	assert.LessOrEqual(t, score, 1.0)
}

func TestTemporalScoreSameDay(t *testing.T) {
	now := time.Now()
	score := TemporalScore(now.Add(-12*time.Hour), now, DefaultDecay)
	assert.GreaterOrEqual(t, score, 0.7)
	assert.LessOrEqual(t, score, 1.0)
}

func TestTemporalScoreOldMemoryDecays(t *testing.T) {
	now := time.Now()
	month := TemporalScore(now.Add(-30*24*time.Hour), now, DefaultDecay)
	year := TemporalScore(now.Add(-365*24*time.Hour), now, DefaultDecay)

	expected := math.Pow(0.95, 30)
	assert.InDelta(t, expected, month, 1e-9)
	assert.Less(t, year, month)
	assert.Greater(t, year, 0.0)
}

func TestTemporalScoreMonotonicAcrossBoundaries(t *testing.T) {
	now := time.Now()
	within := TemporalScore(now.Add(-50*time.Minute), now, DefaultDecay)
	sameDay := TemporalScore(now.Add(-10*time.Hour), now, DefaultDecay)
	lastWeek := TemporalScore(now.Add(-7*24*time.Hour), now, DefaultDecay)
	assert.GreaterOrEqual(t, within, sameDay)
	assert.Greater(t, sameDay, lastWeek)
}

func TestTemporalScoreFutureTimestampClamped(t *testing.T) {
	now := time.Now()
	score := TemporalScore(now.Add(time.Hour), now, DefaultDecay)
	assert.Equal(t, 1.0, score)
}

func TestTemporalScoreWithUrgency(t *testing.T) {
	now := time.Now()
	createdAt := now.Add(-240 * time.Hour)

	normal := TemporalScore(createdAt, now, DefaultDecay)
	urgent := TemporalScoreWithUrgency(createdAt, now, DefaultDecay, 4)
	assert.InDelta(t, normal*1.2, urgent, 1e-9)

	// Urgency below 4 leaves the score alone.
	assert.Equal(t, normal, TemporalScoreWithUrgency(createdAt, now, DefaultDecay, 3))
}

func TestTemporalScoreConfigurableDecay(t *testing.T) {
	now := time.Now()
	createdAt := now.Add(-30 * 24 * time.Hour)

	fast := TemporalScore(createdAt, now, 0.9)
	slow := TemporalScore(createdAt, now, 0.99)

	assert.InDelta(t, math.Pow(0.9, 30), fast, 1e-9)
	assert.InDelta(t, math.Pow(0.99, 30), slow, 1e-9)
	assert.Less(t, fast, slow)
}

func TestTemporalScoreDecayOutOfRangeFallsBack(t *testing.T) {
	now := time.Now()
	createdAt := now.Add(-60 * 24 * time.Hour)

	baseline := TemporalScore(createdAt, now, DefaultDecay)
	assert.Equal(t, baseline, TemporalScore(createdAt, now, 0))
	assert.Equal(t, baseline, TemporalScore(createdAt, now, -1))
	assert.Equal(t, baseline, TemporalScore(createdAt, now, 1.5))
}

func TestSessionRelevanceBonus(t *testing.T) {
	bonus := SessionRelevanceBonus("s1", []string{"s0", "s1"}, "tuning the cache layer", []string{"cache", "index"})
	assert.InDelta(t, 0.3+0.1, bonus, 1e-9)

	assert.Zero(t, SessionRelevanceBonus("s9", []string{"s1"}, "unrelated", nil))
}

func TestWeightsSumToOne(t *testing.T) {
	for queryType, w := range weightTable {
		sum := w.Semantic + w.Temporal + w.Context + w.Keyword
		assert.InDelta(t, 1.0, sum, 1e-9, "weights for %s", queryType)
	}
}

func TestWeightsForUnknownType(t *testing.T) {
	assert.Equal(t, WeightsFor(analysis.TypeTechnical), WeightsFor("creative"))
}

func TestKeywordScore(t *testing.T) {
	assert.Equal(t, 1.0, KeywordScore("the cache and the index", []string{"cache", "index"}))
	assert.Equal(t, 0.5, KeywordScore("only the cache", []string{"cache", "index"}))
	assert.Zero(t, KeywordScore("nothing relevant", []string{"cache"}))
	assert.Zero(t, KeywordScore("anything", nil))
}

func TestContextScoreRolePreference(t *testing.T) {
	conversational := &analysis.QueryContext{QueryType: analysis.TypeConversational}
	technical := &analysis.QueryContext{QueryType: analysis.TypeTechnical}

	assistant := Candidate{Role: "assistant", SessionID: "s1"}
	user := Candidate{Role: "user", SessionID: "s1"}

	assert.Greater(t,
		ContextScore(assistant, conversational, nil),
		ContextScore(user, conversational, nil))
	assert.Greater(t,
		ContextScore(user, technical, nil),
		ContextScore(assistant, technical, nil))
}

func TestScoreCombinesWeights(t *testing.T) {
	qc := &analysis.QueryContext{
		QueryType: analysis.TypeTechnical,
		Keywords:  []string{"cache"},
	}
	candidate := Candidate{
		Content:       "the cache eviction policy",
		Role:          "user",
		SessionID:     "s1",
		Similarity:    0.8,
		TemporalScore: 0.5,
	}

	scored := Score(candidate, qc, []string{"s1"})

	// context = 0.4 (session) + 0.3 (role) + 0.3*1.0 (keywords) = 1.0
	expected := 0.5*0.8 + 0.2*0.5 + 0.2*1.0 + 0.1*1.0
	assert.InDelta(t, expected, scored.Final, 1e-9)
	assert.Contains(t, scored.Reasoning, "high semantic similarity")
	assert.Contains(t, scored.Reasoning, "context-relevant")
	assert.Contains(t, scored.Reasoning, "keyword match")
}

func TestReasoningDefault(t *testing.T) {
	scored := Score(Candidate{Similarity: 0.2, TemporalScore: 0.1},
		&analysis.QueryContext{QueryType: analysis.TypeTechnical}, nil)
	assert.Equal(t, "basic match", scored.Reasoning)
}
