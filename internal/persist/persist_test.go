package persist

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := &State{
		Tokens:       map[string]string{"core-1": "tok-1", "core-2": "tok-2"},
		PairedCoreID: strPtr("core-1"),
	}

	data, err := Serialize(s)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if len(got.Tokens) != 2 || got.Tokens["core-1"] != "tok-1" || got.Tokens["core-2"] != "tok-2" {
		t.Errorf("Tokens = %v", got.Tokens)
	}
	if got.PairedCoreID == nil || *got.PairedCoreID != "core-1" {
		t.Errorf("PairedCoreID = %v, want core-1", got.PairedCoreID)
	}
}

func TestDeserializeEmptyInputYieldsEmptyState(t *testing.T) {
	s, err := Deserialize(nil)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(s.Tokens) != 0 {
		t.Errorf("Tokens = %v, want empty", s.Tokens)
	}
	if s.PairedCoreID != nil {
		t.Errorf("PairedCoreID = %v, want nil", s.PairedCoreID)
	}
}

func TestExtractMergesTokenWithoutMutatingExisting(t *testing.T) {
	existing := &State{Tokens: map[string]string{"core-1": "old-tok"}}

	next := Extract(existing, "core-2", "new-tok", strPtr("core-2"))

	if next.Tokens["core-1"] != "old-tok" {
		t.Errorf("expected existing token to survive, got %v", next.Tokens)
	}
	if next.Tokens["core-2"] != "new-tok" {
		t.Errorf("expected new token to be added, got %v", next.Tokens)
	}
	if len(existing.Tokens) != 1 {
		t.Errorf("Extract must not mutate the existing state, got %v", existing.Tokens)
	}
}

func TestApplyTokenFoundAndMissing(t *testing.T) {
	s := &State{Tokens: map[string]string{"core-1": "tok-1"}}

	tok, ok := ApplyToken(s, "core-1")
	if !ok || tok != "tok-1" {
		t.Errorf("ApplyToken(core-1) = (%q, %v), want (tok-1, true)", tok, ok)
	}

	_, ok = ApplyToken(s, "core-2")
	if ok {
		t.Error("ApplyToken(core-2) = ok, want not found")
	}
}
