package coreinfo

import (
	"encoding/json"
	"testing"
)

func TestFromRegisteredParsesSemver(t *testing.T) {
	body, _ := json.Marshal(map[string]string{
		"core_id":         "abc",
		"display_name":    "Living Room Core",
		"display_version": "2.0.0-beta.1",
	})

	info := FromRegistered(body)

	if info.CoreID != "abc" || info.DisplayName != "Living Room Core" {
		t.Errorf("info = %+v", info)
	}
	if info.Version == nil {
		t.Fatal("expected Version to parse")
	}
	if info.Version.Major() != 2 {
		t.Errorf("Major() = %d, want 2", info.Version.Major())
	}
}

func TestFromRegisteredToleratesNonSemverVersion(t *testing.T) {
	body, _ := json.Marshal(map[string]string{
		"core_id":         "abc",
		"display_version": "not-a-version",
	})

	info := FromRegistered(body)

	if info.Version != nil {
		t.Errorf("Version = %v, want nil for unparseable string", info.Version)
	}
	if info.CoreID != "abc" {
		t.Errorf("CoreID = %q", info.CoreID)
	}
}

func TestFromRegisteredEmptyBody(t *testing.T) {
	info := FromRegistered(nil)
	if info.CoreID != "" || info.Version != nil {
		t.Errorf("info = %+v, want zero value", info)
	}
}
