package moltpay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventRecorder records payment events for testing
type EventRecorder struct {
	mu     sync.RWMutex
	events []PaymentEvent
}

// NewEventRecorder creates a new event recorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{
		events: make([]PaymentEvent, 0),
	}
}

// Handler returns an EventHandler that records into r
func (r *EventRecorder) Handler() EventHandler {
	return r.Record
}

// Record records a payment event
func (r *EventRecorder) Record(event PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Count returns the number of recorded events
func (r *EventRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Last returns the most recent event, or nil
func (r *EventRecorder) Last() *PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return nil
	}
	last := r.events[len(r.events)-1]
	return &last
}

// Events returns a copy of all recorded events
func (r *EventRecorder) Events() []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]PaymentEvent, len(r.events))
	copy(events, r.events)
	return events
}

// OfType returns the recorded events of type t
func (r *EventRecorder) OfType(t PaymentEventType) []PaymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PaymentEvent
	for _, event := range r.events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

// Types returns the recorded event types in order
func (r *EventRecorder) Types() []PaymentEventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PaymentEventType, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

// Clear clears all recorded events
func (r *EventRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make([]PaymentEvent, 0)
}

// MockTransferer is a Transferer for testing. It simulates latency, failure
// of a chosen leg and rejects a second submission of an idempotency key
type MockTransferer struct {
	mu            sync.Mutex
	latency       time.Duration
	failLeg       TransferLeg
	failErr       error
	confirmations map[TransferLeg]string
	seen          map[string]struct{}
	requests      []TransferRequest
}

// NewMockTransferer creates a transferer that confirms every transfer
func NewMockTransferer() *MockTransferer {
	return &MockTransferer{
		confirmations: make(map[TransferLeg]string),
		seen:          make(map[string]struct{}),
	}
}

// SetLatency delays every submission by d
func (m *MockTransferer) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetConfirmation fixes the confirmation id returned for leg
func (m *MockTransferer) SetConfirmation(leg TransferLeg, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations[leg] = id
}

// FailOn makes submissions for leg fail with err
func (m *MockTransferer) FailOn(leg TransferLeg, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLeg = leg
	m.failErr = err
}

// SubmitTransfer implements Transferer
func (m *MockTransferer) SubmitTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	_, duplicate := m.seen[req.IdempotencyKey]
	m.seen[req.IdempotencyKey] = struct{}{}
	latency := m.latency
	failing := m.failLeg == req.Leg && m.failErr != nil
	failErr := m.failErr
	confirmation := m.confirmations[req.Leg]
	m.mu.Unlock()

	if duplicate {
		return TransferResult{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, req.IdempotencyKey)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return TransferResult{}, ctx.Err()
		}
	}

	if failing {
		return TransferResult{}, failErr
	}

	if confirmation == "" {
		confirmation = fmt.Sprintf("0x%064x", n)
	}
	return TransferResult{
		ConfirmationID:        confirmation,
		NetworkConfirmationID: fmt.Sprintf("block-%d", 1000+n),
	}, nil
}

// Calls returns the number of submissions
func (m *MockTransferer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the submitted requests
func (m *MockTransferer) Requests() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransferRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockBridge is a BrowserBridge for testing
type MockBridge struct {
	mu     sync.Mutex
	result BridgeResult
	err    error
	plans  []BrowserPlan
}

// NewMockBridge creates a bridge that returns result for every plan
func NewMockBridge(result BridgeResult) *MockBridge {
	return &MockBridge{result: result}
}

// Fail makes every plan fail with err
func (b *MockBridge) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// RunPlan implements BrowserBridge
func (b *MockBridge) RunPlan(_ context.Context, plan BrowserPlan) (BridgeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans = append(b.plans, plan)
	if b.err != nil {
		return BridgeResult{}, b.err
	}
	return b.result, nil
}

// Plans returns the plans the bridge was asked to run
func (b *MockBridge) Plans() []BrowserPlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BrowserPlan, len(b.plans))
	copy(out, b.plans)
	return out
}

// ScriptedMessenger is a Messenger and ReplySource for testing. Every
// handshake receives the scripted reply after the reply delay; with no reply
// scripted the principal stays silent
type ScriptedMessenger struct {
	mu         sync.Mutex
	reply      string
	replies    map[string]string
	replyDelay time.Duration
	sendErr    error
	messages   []OutboundMessage
}

// NewScriptedMessenger creates a messenger that answers every handshake with
// reply. An empty reply means silence
func NewScriptedMessenger(reply string) *ScriptedMessenger {
	return &ScriptedMessenger{reply: reply, replies: make(map[string]string)}
}

// ReplyTo scripts the reply for one payment id
func (s *ScriptedMessenger) ReplyTo(paymentID, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[paymentID] = reply
}

// SetReplyDelay delays replies by d
func (s *ScriptedMessenger) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = d
}

// FailSend makes every Send fail with err
func (s *ScriptedMessenger) FailSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send implements Messenger
func (s *ScriptedMessenger) Send(_ context.Context, msg OutboundMessage) (DeliveryAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if s.sendErr != nil {
		return DeliveryAck{}, s.sendErr
	}
	return DeliveryAck{
		MessageID:   fmt.Sprintf("msg-%d", len(s.messages)),
		DeliveredAt: time.Now(),
	}, nil
}

// Receive implements ReplySource
func (s *ScriptedMessenger) Receive(ctx context.Context, paymentID string) (string, error) {
	s.mu.Lock()
	reply, ok := s.replies[paymentID]
	if !ok {
		reply = s.reply
	}
	delay := s.replyDelay
	s.mu.Unlock()

	if reply == "" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, nil
}

// Messages returns the messages sent so far
func (s *ScriptedMessenger) Messages() []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// SendCount returns the number of Send calls
func (s *ScriptedMessenger) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
