package chat

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Role
		wantErr bool
	}{
		{raw: "", want: RoleEndUser},
		{raw: "end-user", want: RoleEndUser},
		{raw: "USER", want: RoleEndUser},
		{raw: " agent ", want: RoleAgent},
		{raw: "admin", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): unexpected error %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseRole(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		shouldErr bool
		check     func(t *testing.T, env Envelope)
	}{
		{
			name: "common query",
			raw:  `{"query":"hello","session_id":"s1","user_id":"u1","entry_type":"common","chatbot_config":{"chatbot_id":"admin"}}`,
			check: func(t *testing.T, env Envelope) {
				if env.Query != "hello" || env.SessionID != "s1" || env.EntryType != EntryCommon {
					t.Fatalf("unexpected envelope %+v", env)
				}
				if env.ChatbotConfig["chatbot_id"] != "admin" {
					t.Fatalf("expected chatbot_config to survive decode, got %+v", env.ChatbotConfig)
				}
			},
		},
		{
			name: "stop action",
			raw:  `{"action":"stop","session_id":"s1","user_id":"u1"}`,
			check: func(t *testing.T, env Envelope) {
				if !env.IsStop() {
					t.Fatalf("expected stop envelope")
				}
			},
		},
		{name: "stop without session", raw: `{"action":"stop","user_id":"u1"}`, shouldErr: true},
		{name: "missing query", raw: `{"session_id":"s1","user_id":"u1"}`, shouldErr: true},
		{name: "missing user", raw: `{"query":"hi"}`, shouldErr: true},
		{name: "unknown field", raw: `{"query":"hi","user_id":"u1","extra":1}`, shouldErr: true},
		{name: "bad role", raw: `{"query":"hi","user_id":"u1","role":"root"}`, shouldErr: true},
		{name: "bad entry type", raw: `{"query":"hi","user_id":"u1","entry_type":"rag"}`, shouldErr: true},
		{name: "not json", raw: `{"query":`, shouldErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env, err := DecodeEnvelope([]byte(tt.raw))
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected decode error, got %+v", env)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, env)
			}
		})
	}
}

func TestFrameValidate(t *testing.T) {
	t.Parallel()

	valid := []Frame{
		StartFrame("s1", RoleEndUser, "m1"),
		ChunkFrame("s1", RoleEndUser, "m1", "hel"),
		ContextFrame("s1", RoleEndUser, "m1", []RefDoc{{Title: "doc"}}, nil),
		EndFrame("s1", RoleEndUser, "m1", "resp-1", StatusCompleted),
		EndFrame("s1", RoleAgent, "m1", "resp-1", StatusCancelled),
		ErrorFrame("s1", RoleEndUser, "", "bad envelope"),
	}
	for _, f := range valid {
		if err := f.Validate(); err != nil {
			t.Fatalf("expected %s frame to validate: %v", f.MessageType, err)
		}
	}

	invalid := []Frame{
		{MessageType: MessageStart},
		ContextFrame("s1", RoleEndUser, "m1", nil, nil),
		EndFrame("s1", RoleEndUser, "m1", "", StatusCompleted),
		EndFrame("s1", RoleEndUser, "m1", "resp", "partial"),
		{MessageType: "PING", SessionID: "s1"},
	}
	for _, f := range invalid {
		if err := f.Validate(); err == nil {
			t.Fatalf("expected invalid frame %+v to fail", f)
		}
	}
}

func TestFrameWireFieldNames(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ContextFrame("s1", RoleEndUser, "m1", []RefDoc{{Title: "t"}}, map[string]any{"figure": "x"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"message_type":"CONTEXT"`, `"ref_docs"`, `"ddb_additional_kwargs"`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("expected %s in %s", key, raw)
		}
	}
}
