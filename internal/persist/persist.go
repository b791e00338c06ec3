// ABOUTME: Persisted connection state (auth tokens and the paired core id)
// ABOUTME: Serializes to human-readable YAML; callers own the file I/O
package persist

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// State is the single persisted value: one auth token per core id ever
// registered with, plus the currently paired core id, if any.
type State struct {
	Tokens       map[string]string `yaml:"tokens"`
	PairedCoreID *string           `yaml:"paired_core_id,omitempty"`
}

// New returns an empty State ready to accumulate tokens.
func New() *State {
	return &State{Tokens: make(map[string]string)}
}

// Serialize renders State as YAML.
func Serialize(s *State) ([]byte, error) {
	if s.Tokens == nil {
		s.Tokens = make(map[string]string)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("persist: marshal state: %w", err)
	}
	return data, nil
}

// Deserialize parses YAML produced by Serialize. Missing or empty input
// yields an empty State, not an error, matching a fresh install with no
// prior connection.
func Deserialize(data []byte) (*State, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("persist: unmarshal state: %w", err)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]string)
	}
	return s, nil
}

// Extract captures the fields of State a connection needs to persist
// after a successful registration: the token for coreID and the paired
// core id, if the caller has paired.
func Extract(existing *State, coreID, token string, pairedCoreID *string) *State {
	s := &State{Tokens: make(map[string]string, len(existing.Tokens)+1)}
	for k, v := range existing.Tokens {
		s.Tokens[k] = v
	}
	if coreID != "" && token != "" {
		s.Tokens[coreID] = token
	}
	s.PairedCoreID = pairedCoreID
	return s
}

// ApplyToken returns token, ok for coreID, per the "inject token from
// saved state if present" registration step.
func ApplyToken(s *State, coreID string) (string, bool) {
	if s == nil {
		return "", false
	}
	token, ok := s.Tokens[coreID]
	return token, ok
}
