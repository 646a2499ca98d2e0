package healing

import (
	"context"
	"strings"
	"testing"
)

func TestConsolidatedLog_RoundTrip(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	for i := 0; i < StrikeLimit; i++ {
		if _, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom")); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	report, err := h.ConsolidatedLog(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(report, "# Healing Report: m1") {
		t.Error("missing report header")
	}
	if !strings.Contains(report, "Human action required") {
		t.Error("missing escalation footer")
	}
	if !strings.Contains(report, "**ESCALATED**") {
		t.Error("latched entry not marked in report")
	}

	outcomes, err := ParseConsolidatedLog(report)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != StrikeLimit {
		t.Fatalf("parsed %d attempts, want %d", len(outcomes), StrikeLimit)
	}
	for i, o := range outcomes {
		if o.RetryCount != i {
			t.Errorf("outcome %d retry count = %d, want %d", i, o.RetryCount, i)
		}
		if o.Success {
			t.Errorf("outcome %d parsed as success", i)
		}
	}
}

func TestConsolidatedLog_SuccessOutcome(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	if _, err := h.RecordAttempt(ctx, failedAttempt("m2", "flaky")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RecordAttempt(ctx, Attempt{
		MissionID:          "m2",
		ProblemDescription: "mission execution",
		SolutionAttempt:    "mission completed",
		Success:            true,
	}); err != nil {
		t.Fatal(err)
	}

	report, err := h.ConsolidatedLog(ctx, "m2")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(report, "Human action required") {
		t.Error("resolved mission rendered with escalation footer")
	}

	outcomes, err := ParseConsolidatedLog(report)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("parsed %d attempts, want 2", len(outcomes))
	}
	if outcomes[0].Success || !outcomes[1].Success {
		t.Errorf("outcomes = %+v, want fail then success", outcomes)
	}
}

func TestConsolidatedLog_EmptyHistory(t *testing.T) {
	h, _ := testHealer(t)

	report, err := h.ConsolidatedLog(context.Background(), "nothing")
	if err != nil {
		t.Fatal(err)
	}
	outcomes, err := ParseConsolidatedLog(report)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Errorf("parsed %d attempts from empty history", len(outcomes))
	}
}
