package queue

import (
	"encoding/json"
	"testing"

	"github.com/okutu/kazi/internal/mission"
)

func TestTaskMission_JSONPayload(t *testing.T) {
	m := mission.New("print('hi')", 120)
	m.Requirements = []string{"requests"}
	m.KeepAlive = true
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	task := &Task{ID: 1, CommandPayload: string(raw)}
	got, err := task.Mission()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID {
		t.Errorf("mission id = %q, want %q", got.ID, m.ID)
	}
	if got.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d, want 120", got.TimeoutSeconds)
	}
	if !got.KeepAlive || len(got.Requirements) != 1 {
		t.Errorf("lost fields: %+v", got)
	}
}

func TestTaskMission_JSONWithoutTimeoutGetsDefault(t *testing.T) {
	task := &Task{CommandPayload: `{"mission_id":"m1","code":"pass"}`}
	got, err := task.Mission()
	if err != nil {
		t.Fatal(err)
	}
	if got.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("timeout = %d, want default %d", got.TimeoutSeconds, DefaultTimeoutSeconds)
	}
}

func TestTaskMission_ShellPayloadWrapped(t *testing.T) {
	task := &Task{CommandPayload: "echo hello"}
	got, err := task.Mission()
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != "echo hello" {
		t.Errorf("code = %q", got.Code)
	}
	if got.ID == "" {
		t.Error("shell wrap must generate a mission id")
	}
	if got.Metadata["payload_form"] != "shell" {
		t.Errorf("metadata = %v, want payload_form=shell", got.Metadata)
	}
	if got.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("timeout = %d, want default", got.TimeoutSeconds)
	}
}

func TestTaskMission_InvalidJSONMissionRejected(t *testing.T) {
	// Valid JSON, but violates mission invariants (no code).
	task := &Task{CommandPayload: `{"mission_id":"m1","code":""}`}
	if _, err := task.Mission(); err == nil {
		t.Fatal("expected validation error for empty code")
	}
}

func TestTaskMission_NonMissionJSONTreatedAsShell(t *testing.T) {
	// A brace-leading payload that does not parse as JSON at all falls back
	// to shell wrapping.
	task := &Task{CommandPayload: `{not json at all`}
	got, err := task.Mission()
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["payload_form"] != "shell" {
		t.Error("unparseable payload should fall back to shell form")
	}
}
