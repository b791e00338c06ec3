package services

import (
	"encoding/json"
	"sync"

	"github.com/Ramblurr/roon-go/internal/wire"
)

// NewPing builds the always-registered com.roonlabs.ping:1 service: a
// single ping method that answers with an empty success.
func NewPing() *Service {
	return &Service{
		Name: "com.roonlabs.ping:1",
		Methods: map[string]MethodHandler{
			"ping": func(CoreIdentity, json.RawMessage) Response {
				return Response{Verb: wire.VerbComplete, Name: "Success"}
			},
		},
	}
}

// Pairing tracks the single paired-core relationship and answers
// com.roonlabs.pairing:1. Its state lives on the Pairing instance, not at
// package scope, so multiple concurrent clients each hold their own.
type Pairing struct {
	mu           sync.Mutex
	pairedCoreID string // empty when unpaired

	onCoreLost func(previousCoreID string)
}

// NewPairing builds the pairing service and its backing state. onCoreLost
// is invoked when a pair() call replaces a different, already-paired
// core; it may be nil.
func NewPairing(onCoreLost func(previousCoreID string)) (*Service, *Pairing) {
	p := &Pairing{onCoreLost: onCoreLost}

	svc := &Service{
		Name: "com.roonlabs.pairing:1",
		Methods: map[string]MethodHandler{
			"get_pairing": p.getPairing,
			"pair":        p.pair,
		},
		Subscriptions: map[string]SubscriptionHandlers{
			"subscribe_pairing": {Start: p.subscribePairing},
		},
	}
	return svc, p
}

// PairedCoreID returns the currently paired core id, or "" if unpaired.
func (p *Pairing) PairedCoreID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairedCoreID
}

func (p *Pairing) getPairing(CoreIdentity, json.RawMessage) Response {
	id := p.PairedCoreID()
	if id == "" {
		return Response{Verb: wire.VerbComplete, Name: "Success"}
	}
	return Response{Verb: wire.VerbComplete, Name: "Success", Body: map[string]string{"paired_core_id": id}}
}

func (p *Pairing) pair(_ CoreIdentity, body json.RawMessage) Response {
	var params struct {
		CoreID string `json:"core_id"`
	}
	_ = json.Unmarshal(body, &params)

	p.mu.Lock()
	previous := p.pairedCoreID
	changed := previous != "" && previous != params.CoreID
	p.pairedCoreID = params.CoreID
	p.mu.Unlock()

	if changed && p.onCoreLost != nil {
		p.onCoreLost(previous)
	}

	return Response{
		Verb:      wire.VerbContinue,
		Name:      "Changed",
		Body:      map[string]string{"paired_core_id": params.CoreID},
		Broadcast: "subscribe_pairing",
	}
}

func (p *Pairing) subscribePairing(CoreIdentity, json.RawMessage) Response {
	id := p.PairedCoreID()
	if id == "" {
		id = "undefined"
	}
	return Response{Verb: wire.VerbContinue, Name: "Subscribed", Body: map[string]string{"paired_core_id": id}}
}
