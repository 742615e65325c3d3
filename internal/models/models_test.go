package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		request ChatRequest
		wantErr error
	}{
		{name: "valid", request: ChatRequest{Message: "oi"}},
		{name: "blank message", request: ChatRequest{Message: "   "}, wantErr: ErrEmptyMessage},
		{name: "message too long", request: ChatRequest{Message: strings.Repeat("a", MaxMessageLength+1)}, wantErr: ErrMessageTooLong},
		{name: "session id too long", request: ChatRequest{Message: "oi", SessionID: strings.Repeat("x", MaxIdentifierLength+1)}, wantErr: ErrIdentifierTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if err != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFieldsStringsSurvivesJSONRoundTrip(t *testing.T) {
	f := Fields{"systems": []string{"SEI", "SIAPE"}, "none": []string{}}

	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Fields
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	systems, ok := back.Strings("systems")
	if !ok || len(systems) != 2 || systems[0] != "SEI" {
		t.Errorf("expected [SEI SIAPE], got %v (ok=%v)", systems, ok)
	}

	none, ok := back.Strings("none")
	if !ok {
		t.Fatal("explicit empty list must stay present after a round trip")
	}
	if len(none) != 0 {
		t.Errorf("expected empty list, got %v", none)
	}

	if _, ok := back.Strings("missing"); ok {
		t.Error("absent key must not be reported as present")
	}
}

func TestFieldsEncodeDecode(t *testing.T) {
	type scenario struct {
		ID   string `json:"id"`
		Desc string `json:"desc"`
	}
	f := Fields{}
	in := map[string]scenario{"a1": {ID: "a1", Desc: "Aprovado"}}
	if err := f.Encode("scenarios", in); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var out map[string]scenario
	found, err := f.Decode("scenarios", &out)
	if err != nil || !found {
		t.Fatalf("decode failed: found=%v err=%v", found, err)
	}
	if out["a1"].Desc != "Aprovado" {
		t.Errorf("expected Aprovado, got %q", out["a1"].Desc)
	}

	found, err = f.Decode("absent", &out)
	if found || err != nil {
		t.Errorf("expected absent key to report not found, got found=%v err=%v", found, err)
	}
}

func TestConversationStateCloneIsDeep(t *testing.T) {
	st := NewConversationState("s1", "pop", "NAME_INPUT")
	st.Collected["systems"] = []string{"SEI"}

	clone := st.Clone()
	clone.Collected["systems"] = []string{"SIAPE"}
	clone.Temp["name"] = "Ana"

	systems, _ := st.Collected.Strings("systems")
	if systems[0] != "SEI" {
		t.Errorf("clone mutation leaked into original: %v", systems)
	}
	if st.Temp.Has("name") {
		t.Error("clone temp mutation leaked into original")
	}
}
