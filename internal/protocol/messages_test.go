package protocol

import (
	"errors"
	"testing"
)

func TestParseSessionStart(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"session_start","credential":"tok-abc"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	start, ok := msg.(SessionStart)
	if !ok {
		t.Fatalf("parsed type = %T, want SessionStart", msg)
	}
	if start.Credential != "tok-abc" || start.SessionID != "" {
		t.Fatalf("unexpected session_start: %+v", start)
	}
}

func TestParseSessionStartResume(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"session_start","credential":"tok","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	start := msg.(SessionStart)
	if start.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want s1", start.SessionID)
	}
}

func TestParseSessionStartRequiresCredential(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"session_start","credential":"  "}`)); err == nil {
		t.Fatalf("expected error for blank credential")
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"mystery"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseSessionEndAndHeartbeat(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"session_end"}`)); err != nil {
		t.Fatalf("session_end parse error = %v", err)
	}
	msg, err := ParseClientMessage([]byte(`{"type":"pong"}`))
	if err != nil {
		t.Fatalf("pong parse error = %v", err)
	}
	if _, ok := msg.(Pong); !ok {
		t.Fatalf("parsed type = %T, want Pong", msg)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected envelope error for truncated JSON")
	}
}
