package protocol

import (
	"testing"
)

func TestFormatParseTaskID(t *testing.T) {
	cases := []struct {
		role  Role
		pair  string
		epoch int
		want  string
	}{
		{RoleInitiator, "pair-1", 1, "init:pair-1#1"},
		{RoleResponder, "pair-1", 1, "resp:pair-1#1"},
		{RoleInitiator, "a#b", 12, "init:a#b#12"},
	}
	for _, tc := range cases {
		got := FormatTaskID(tc.role, tc.pair, tc.epoch)
		if got != tc.want {
			t.Fatalf("FormatTaskID(%v, %q, %d) = %q, want %q", tc.role, tc.pair, tc.epoch, got, tc.want)
		}
		role, pair, epoch, err := ParseTaskID(got)
		if err != nil {
			t.Fatalf("ParseTaskID(%q) error: %v", got, err)
		}
		if role != tc.role || pair != tc.pair || epoch != tc.epoch {
			t.Fatalf("ParseTaskID(%q) = (%v, %q, %d), want (%v, %q, %d)",
				got, role, pair, epoch, tc.role, tc.pair, tc.epoch)
		}
	}
}

func TestParseTaskIDRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"pair-1#1",
		"init:pair-1",
		"init:#1",
		"resp:pair-1#",
		"init:pair-1#0",
		"init:pair-1#abc",
		"task:pair-1#1",
	}
	for _, id := range bad {
		if _, _, _, err := ParseTaskID(id); err == nil {
			t.Fatalf("ParseTaskID(%q) = nil error, want error", id)
		}
	}
}

func TestNextStateOfDefault(t *testing.T) {
	got, err := NextStateOf([]Part{{Kind: PartKindText, Text: "hi"}}, nil)
	if err != nil {
		t.Fatalf("NextStateOf error: %v", err)
	}
	if got != StateInputRequired {
		t.Fatalf("NextStateOf default = %v, want %v", got, StateInputRequired)
	}
}

func TestNextStateOfMessageLevelWins(t *testing.T) {
	parts := []Part{{
		Kind:     PartKindText,
		Text:     "hi",
		Metadata: map[string]any{MetadataNextState: "completed"},
	}}
	meta := map[string]any{MetadataNextState: "working"}
	got, err := NextStateOf(parts, meta)
	if err != nil {
		t.Fatalf("NextStateOf error: %v", err)
	}
	if got != StateWorking {
		t.Fatalf("NextStateOf = %v, want message-level %v", got, StateWorking)
	}
}

func TestNextStateOfPartLevel(t *testing.T) {
	parts := []Part{
		{Kind: PartKindText, Text: "a"},
		{Kind: PartKindText, Text: "b", Metadata: map[string]any{MetadataNextState: "working"}},
	}
	got, err := NextStateOf(parts, nil)
	if err != nil {
		t.Fatalf("NextStateOf error: %v", err)
	}
	if got != StateWorking {
		t.Fatalf("NextStateOf = %v, want %v", got, StateWorking)
	}
}

func TestNextStateOfRejectsUnknown(t *testing.T) {
	if _, err := NextStateOf(nil, map[string]any{MetadataNextState: "paused"}); err == nil {
		t.Fatal("NextStateOf accepted unknown state")
	}
	if _, err := NextStateOf(nil, map[string]any{MetadataNextState: 7}); err == nil {
		t.Fatal("NextStateOf accepted non-string state")
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []TaskState{StateCompleted, StateCanceled, StateFailed, StateRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%v.Terminal() = false, want true", s)
		}
	}
	open := []TaskState{StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestValidatePartsFileExclusivity(t *testing.T) {
	if err := ValidateParts([]Part{{Kind: PartKindFile, File: &FilePart{Bytes: "aGk=", URI: "https://x"}}}); err == nil {
		t.Fatal("ValidateParts accepted file part with both bytes and uri")
	}
	if err := ValidateParts([]Part{{Kind: PartKindFile, File: &FilePart{}}}); err == nil {
		t.Fatal("ValidateParts accepted file part with neither bytes nor uri")
	}
	if err := ValidateParts([]Part{{Kind: PartKindFile, File: &FilePart{Bytes: "aGk="}}}); err != nil {
		t.Fatalf("ValidateParts rejected bytes-only file part: %v", err)
	}
	if err := ValidateParts([]Part{{Kind: PartKindFile, File: &FilePart{URI: "https://x"}}}); err != nil {
		t.Fatalf("ValidateParts rejected uri-only file part: %v", err)
	}
}

func TestValidatePartsKinds(t *testing.T) {
	if err := ValidateParts(nil); err == nil {
		t.Fatal("ValidateParts accepted empty parts")
	}
	if err := ValidateParts([]Part{{Kind: "video"}}); err == nil {
		t.Fatal("ValidateParts accepted unknown part kind")
	}
	if err := ValidateParts([]Part{{Kind: PartKindData}}); err == nil {
		t.Fatal("ValidateParts accepted data part without data")
	}
	if err := ValidateParts([]Part{{Kind: PartKindText}}); err != nil {
		t.Fatalf("ValidateParts rejected empty text part: %v", err)
	}
}

func TestHistoryLimitClamps(t *testing.T) {
	intp := func(n int) *int { return &n }
	cases := []struct {
		in   *int
		want int
	}{
		{nil, MaxHistoryLength},
		{intp(-5), 0},
		{intp(0), 0},
		{intp(3), 3},
		{intp(MaxHistoryLength + 1), MaxHistoryLength},
	}
	for _, tc := range cases {
		if got := HistoryLimit(tc.in, MaxHistoryLength); got != tc.want {
			t.Fatalf("HistoryLimit(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
