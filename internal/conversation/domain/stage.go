package domain

import (
	"fmt"
	"strings"

	"salesagent_backend/platform/apperr"
)

// Stage is a step of the sales conversation. Stages are totally ordered and
// a conversation only moves forward through them.
type Stage string

const (
	StageIntroduction           Stage = "INTRODUCTION"
	StageDiscovery              Stage = "DISCOVERY"
	StageNeedsUnderstanding     Stage = "NEEDS_UNDERSTANDING"
	StageSolutionRecommendation Stage = "SOLUTION_RECOMMENDATION"
	StageConcernAddressing      Stage = "CONCERN_ADDRESSING"
	StageFriendlyClose          Stage = "FRIENDLY_CLOSE"
	StageNaturalEnd             Stage = "NATURAL_END"
)

var orderedStages = []Stage{
	StageIntroduction,
	StageDiscovery,
	StageNeedsUnderstanding,
	StageSolutionRecommendation,
	StageConcernAddressing,
	StageFriendlyClose,
	StageNaturalEnd,
}

var stageRanks = func() map[Stage]int {
	ranks := make(map[Stage]int, len(orderedStages))
	for i, s := range orderedStages {
		ranks[s] = i
	}
	return ranks
}()

// Stages returns all stages in progression order.
func Stages() []Stage {
	out := make([]Stage, len(orderedStages))
	copy(out, orderedStages)
	return out
}

// ParseStage accepts stage names case-insensitively.
func ParseStage(value string) (Stage, bool) {
	s := Stage(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := stageRanks[s]
	return s, ok
}

// Rank returns the position of s in the progression, or -1 if unknown.
func (s Stage) Rank() int {
	if r, ok := stageRanks[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transition may leave s.
func (s Stage) IsTerminal() bool {
	return s == StageNaturalEnd
}

// CanTransition validates a move from one stage to another. Staying in the
// same stage and skipping forward are allowed.
func CanTransition(from, to Stage) error {
	if to.Rank() < 0 {
		return apperr.InvalidTransition(fmt.Sprintf("unknown stage %q", to))
	}
	if from.IsTerminal() {
		return apperr.InvalidTransition("conversation has ended").
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}
	if to.Rank() < from.Rank() {
		return apperr.InvalidTransition("stage cannot move backwards").
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}
	return nil
}
