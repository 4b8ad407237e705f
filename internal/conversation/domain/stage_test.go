package domain

import (
	"testing"

	"salesagent_backend/platform/apperr"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    Stage
		to      Stage
		wantErr bool
	}{
		{StageIntroduction, StageIntroduction, false},
		{StageIntroduction, StageDiscovery, false},
		{StageIntroduction, StageSolutionRecommendation, false},
		{StageDiscovery, StageIntroduction, true},
		{StageFriendlyClose, StageConcernAddressing, true},
		{StageFriendlyClose, StageNaturalEnd, false},
		{StageNaturalEnd, StageNaturalEnd, true},
		{StageNaturalEnd, StageIntroduction, true},
		{StageDiscovery, Stage("CLOSING"), true},
	}

	for _, tt := range tests {
		err := CanTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			continue
		}
		if err != nil && !apperr.Is(err, apperr.KindInvalidTransition) {
			t.Errorf("CanTransition(%s, %s) returned %v, want InvalidTransition", tt.from, tt.to, err)
		}
	}
}

func TestStageRankIsStrictlyIncreasing(t *testing.T) {
	stages := Stages()
	for i := 1; i < len(stages); i++ {
		if stages[i].Rank() <= stages[i-1].Rank() {
			t.Fatalf("%s must rank above %s", stages[i], stages[i-1])
		}
	}
	if Stage("bogus").Rank() != -1 {
		t.Fatal("unknown stage must rank -1")
	}
	if !StageNaturalEnd.IsTerminal() || StageFriendlyClose.IsTerminal() {
		t.Fatal("only NATURAL_END is terminal")
	}
}

func TestParseStage(t *testing.T) {
	if s, ok := ParseStage(" needs_understanding "); !ok || s != StageNeedsUnderstanding {
		t.Fatalf("ParseStage lower-case = %q, %v", s, ok)
	}
	if _, ok := ParseStage("CHECKOUT"); ok {
		t.Fatal("unknown stage must not parse")
	}
}
