// ABOUTME: Provided-service registry: lets the client answer inbound REQUEST frames
// ABOUTME: Handles method dispatch, subscription lifecycle, and broadcast fan-out
package services

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/Ramblurr/roon-go/internal/wire"
)

// CoreIdentity is the normalized identity of the Core issuing an inbound
// request, passed to every handler.
type CoreIdentity struct {
	ID   string
	Name string
}

// Response is what a method or subscription-start handler returns: the
// outbound verb/name/body to emit back to the Core, with an optional
// broadcast side effect.
type Response struct {
	Verb      wire.Verb
	Name      string
	Body      interface{}
	Broadcast string // subscription name to broadcast to, or ""
}

// MethodHandler answers a one-shot inbound request.
type MethodHandler func(core CoreIdentity, body json.RawMessage) Response

// SubscriptionHandlers answers a subscription's start/end lifecycle.
type SubscriptionHandlers struct {
	Start func(core CoreIdentity, body json.RawMessage) Response
	End   func(core CoreIdentity, body json.RawMessage) Response // may be nil
}

// Service is one provided-service spec: a name plus its method and
// subscription tables.
type Service struct {
	Name          string
	Methods       map[string]MethodHandler
	Subscriptions map[string]SubscriptionHandlers
}

type providedSubscription struct {
	topic     string
	requestID uint64
}

// Sender enqueues an already-encoded outbound frame.
type Sender interface {
	Send(data []byte) error
}

// Registry is the provided-service registry: it stores registered
// Services, dispatches inbound requests, and tracks the subscription keys
// installed by subscribe_<topic> calls so Broadcast can reach them.
type Registry struct {
	sender Sender

	mu            sync.Mutex
	services      map[string]*Service
	subscriptions map[uint64]providedSubscription // subscription_key -> entry
}

// New creates an empty Registry. Built-in services are not registered
// automatically; Register the services built by NewPing and NewPairing to
// install them (pkg/roon's Connection does this in its constructor).
func New(sender Sender) *Registry {
	return &Registry{
		sender:        sender,
		services:      make(map[string]*Service),
		subscriptions: make(map[uint64]providedSubscription),
	}
}

// Register installs or replaces a service by name.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
}

// Lookup returns the service registered under name, if any.
func (r *Registry) Lookup(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Dispatch handles one inbound REQUEST frame and returns the encoded
// response frame to send, or ok=false if the request was dropped (no
// matching service/method/subscription).
func (r *Registry) Dispatch(requestID uint64, uri string, body json.RawMessage) ([]byte, bool) {
	serviceName, methodName, ok := splitURI(uri)
	if !ok {
		log.Printf("services: dropping request with no service separator: %q", uri)
		return nil, false
	}

	svc, ok := r.Lookup(serviceName)
	if !ok {
		log.Printf("services: dropping request for unregistered service %q", serviceName)
		return nil, false
	}

	core := CoreIdentity{} // the Core does not identify itself on inbound requests

	if handler, ok := svc.Methods[methodName]; ok {
		resp := handler(core, body)
		return r.finish(requestID, resp)
	}

	if handlers, ok := svc.Subscriptions[methodName]; ok {
		return r.startSubscription(requestID, serviceName, methodName, handlers, core, body)
	}

	if strings.HasPrefix(methodName, "unsubscribe_") {
		topic := strings.TrimPrefix(methodName, "unsubscribe_")
		if handlers, ok := svc.Subscriptions["subscribe_"+topic]; ok {
			return r.endSubscription(requestID, handlers, core, body)
		}
	}

	log.Printf("services: no handler for %s/%s", serviceName, methodName)
	return nil, false
}

func (r *Registry) startSubscription(requestID uint64, serviceName, methodName string, handlers SubscriptionHandlers, core CoreIdentity, body json.RawMessage) ([]byte, bool) {
	var params struct {
		SubscriptionKey *uint64 `json:"subscription_key"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &params)
	}

	if params.SubscriptionKey != nil {
		topic := strings.TrimPrefix(methodName, "subscribe_")
		r.mu.Lock()
		r.subscriptions[*params.SubscriptionKey] = providedSubscription{topic: topic, requestID: requestID}
		r.mu.Unlock()
	}

	resp := handlers.Start(core, body)
	return r.finish(requestID, resp)
}

func (r *Registry) endSubscription(requestID uint64, handlers SubscriptionHandlers, core CoreIdentity, body json.RawMessage) ([]byte, bool) {
	var params struct {
		SubscriptionKey *uint64 `json:"subscription_key"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &params)
	}
	if params.SubscriptionKey != nil {
		r.mu.Lock()
		delete(r.subscriptions, *params.SubscriptionKey)
		r.mu.Unlock()
	}

	if handlers.End != nil {
		resp := handlers.End(core, body)
		return r.finish(requestID, resp)
	}

	data, err := wire.EncodeResponse(wire.VerbComplete, "Success", requestID, nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (r *Registry) finish(requestID uint64, resp Response) ([]byte, bool) {
	data, err := wire.EncodeResponse(resp.Verb, resp.Name, requestID, resp.Body)
	if err != nil {
		log.Printf("services: encode response: %v", err)
		return nil, false
	}
	if resp.Broadcast != "" {
		r.Broadcast(resp.Broadcast, resp.Body)
	}
	return data, true
}

// Broadcast pushes body to every current subscriber of subscriptionName
// as a CONTINUE Changed frame, sending each directly through the sender
// rather than returning it (there is no single inbound request to
// respond to).
func (r *Registry) Broadcast(subscriptionName string, body interface{}) {
	topic := strings.TrimPrefix(subscriptionName, "subscribe_")

	r.mu.Lock()
	var targets []providedSubscription
	for _, sub := range r.subscriptions {
		if sub.topic == topic {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		data, err := wire.EncodeResponse(wire.VerbContinue, "Changed", sub.requestID, body)
		if err != nil {
			log.Printf("services: encode broadcast: %v", err)
			continue
		}
		if err := r.sender.Send(data); err != nil {
			log.Printf("services: send broadcast: %v", err)
		}
	}
}

// splitURI splits a request URI into (service_name, method_name) at the
// last '/'.
func splitURI(uri string) (string, string, bool) {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+1:], true
}
