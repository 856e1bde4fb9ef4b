// Package scoring implements the temporal and hybrid scorers that turn a
// raw vector similarity into a final ranking score.
package scoring

import (
	"math"
	"strings"
	"time"
)

// DefaultDecay is the daily decay base used when the caller supplies
// none; it gives a half-life of roughly 13 days.
const DefaultDecay = 0.95

// Temporal tuning.
const (
	dayBoost     = 2.0
	hourBoost    = 1.5
	hourFloor    = 0.9
	dayFloor     = 0.7
	sessionBonus = 0.3
	keywordBonus = 0.1
)

// TemporalScore maps a memory's age to [0,1]. Fresh material is pushed
// toward 1 by boosts and floors; old material decays exponentially with
// the given daily decay base. A decay outside (0,1) falls back to
// DefaultDecay.
func TemporalScore(createdAt, now time.Time, decay float64) float64 {
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}

	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}

	score := math.Pow(decay, ageHours/24)
	if ageHours <= 24 {
		score *= dayBoost
	}
	if ageHours <= 1 {
		score *= hourBoost
	}

	floor := 0.0
	switch {
	case ageHours <= 1:
		floor = hourFloor
	case ageHours <= 24:
		floor = dayFloor
	}
	if score < floor {
		score = floor
	}
	return clamp01(score)
}

// TemporalScoreWithUrgency applies the urgency modulation: an urgent
// query prefers the most recent material even more strongly.
func TemporalScoreWithUrgency(createdAt, now time.Time, decay float64, urgency int) float64 {
	score := TemporalScore(createdAt, now, decay)
	if urgency >= 4 {
		score *= 1 + float64(5-urgency)*0.2
	}
	return clamp01(score)
}

// SessionRelevanceBonus rewards candidates from a session the user was
// recently in, plus keyword overlap with the recent history.
func SessionRelevanceBonus(candidateSession string, recentSessions []string,
	candidateContent string, recentKeywords []string,
) float64 {
	bonus := 0.0
	for _, session := range recentSessions {
		if session == candidateSession {
			bonus += sessionBonus
			break
		}
	}

	lower := strings.ToLower(candidateContent)
	for _, keyword := range recentKeywords {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			bonus += keywordBonus
		}
	}
	if bonus > 1 {
		bonus = 1
	}
	return bonus
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
