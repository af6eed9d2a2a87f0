package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseCommandPlay(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"op":"play","guildId":"123456789012345678","track":"QAAA","startTime":1500,"noReplace":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Op != OpPlay {
		t.Fatalf("unexpected op %q", cmd.Op)
	}
	if cmd.GuildID.String() != "123456789012345678" {
		t.Fatalf("unexpected guild id %s", cmd.GuildID)
	}
	if cmd.StartTime == nil || *cmd.StartTime != 1500 {
		t.Fatalf("unexpected start time %v", cmd.StartTime)
	}
	if !cmd.NoReplace {
		t.Fatalf("expected noReplace")
	}
}

func TestParseCommandRejectsMissingOp(t *testing.T) {
	if _, err := ParseCommand([]byte(`{"guildId":"1"}`)); err == nil {
		t.Fatal("expected error for missing op")
	}
	if _, err := ParseCommand([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestEventOmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(Event{Op: OpEvent, Type: EventTrackStart, GuildID: 42, Track: "QAAA"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "exception") || strings.Contains(s, "thresholdMs") {
		t.Fatalf("unexpected fields in %s", s)
	}
	if !strings.Contains(s, `"type":"TrackStartEvent"`) {
		t.Fatalf("missing type in %s", s)
	}
}

func TestEndReasonMayStartNext(t *testing.T) {
	cases := map[EndReason]bool{
		EndFinished:   true,
		EndLoadFailed: true,
		EndStopped:    false,
		EndReplaced:   false,
		EndCleanup:    false,
	}
	for reason, want := range cases {
		if got := reason.MayStartNext(); got != want {
			t.Fatalf("%s: got %v want %v", reason, got, want)
		}
	}
}

func TestVoiceStateComplete(t *testing.T) {
	v := VoiceState{SessionID: "s", Token: "t"}
	if v.Complete() {
		t.Fatal("expected incomplete without endpoint")
	}
	v.Endpoint = "voice.example:443"
	if !v.Complete() {
		t.Fatal("expected complete")
	}
}
