// Package confirm tracks destructive operations that wait for an explicit
// confirm or cancel from the user who requested them.
package confirm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a request waits for an answer.
const DefaultTTL = 30 * time.Second

// State is the lifecycle position of a request.
type State string

const (
	AwaitingConfirmation State = "awaiting_confirmation"
	Confirmed            State = "confirmed"
	Cancelled            State = "cancelled"
	TimedOut             State = "timed_out"
)

var (
	// ErrUnknownRequest is returned for tokens the registry never issued or
	// already forgot.
	ErrUnknownRequest = errors.New("unknown confirmation request")

	// ErrExpired is returned when the answer came after the TTL.
	ErrExpired = errors.New("confirmation request expired")

	// ErrNotRequester is returned when someone other than the requester
	// answers.
	ErrNotRequester = errors.New("only the requester can answer this confirmation")

	// ErrAlreadyResolved is returned when a request was already confirmed or
	// cancelled.
	ErrAlreadyResolved = errors.New("confirmation request already resolved")
)

// Request is one pending destructive operation.
type Request struct {
	Token       string    `json:"token"`
	RequesterID string    `json:"requester_id"`
	Action      string    `json:"action"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Registry holds pending requests in memory.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
}

// NewRegistry creates a Registry. A zero ttl uses DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{ttl: ttl, now: time.Now, requests: make(map[string]*Request)}
}

// Begin opens a request and returns a copy carrying its token.
func (r *Registry) Begin(requesterID, action string) Request {
	now := r.now()
	req := &Request{
		Token:       uuid.NewString(),
		RequesterID: requesterID,
		Action:      action,
		State:       AwaitingConfirmation,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}

	r.mu.Lock()
	r.requests[req.Token] = req
	r.mu.Unlock()
	return *req
}

// Resolve answers a request. On success the request moves to Confirmed or
// Cancelled and the updated copy is returned; the caller runs the action
// only when the state is Confirmed.
func (r *Registry) Resolve(token, requesterID string, confirm bool) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[token]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, token)
	}
	if req.RequesterID != "" && req.RequesterID != requesterID {
		return *req, ErrNotRequester
	}
	switch req.State {
	case Confirmed, Cancelled:
		return *req, ErrAlreadyResolved
	case TimedOut:
		return *req, ErrExpired
	}
	if !r.now().Before(req.ExpiresAt) {
		req.State = TimedOut
		return *req, ErrExpired
	}

	if confirm {
		req.State = Confirmed
	} else {
		req.State = Cancelled
	}
	return *req, nil
}

// Get returns a copy of a request.
func (r *Registry) Get(token string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[token]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Sweep marks unanswered requests past their deadline as TimedOut, forgets
// requests resolved more than one TTL ago and returns the newly timed-out
// requests.
func (r *Registry) Sweep() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []Request
	for token, req := range r.requests {
		if req.State == AwaitingConfirmation && !now.Before(req.ExpiresAt) {
			req.State = TimedOut
			expired = append(expired, *req)
			continue
		}
		if req.State != AwaitingConfirmation && now.Sub(req.ExpiresAt) > r.ttl {
			delete(r.requests, token)
		}
	}
	return expired
}

// Expire times out a request that is still awaiting an answer, whatever its
// deadline. It reports whether the request ended timed out, which is also
// the case when Sweep got to it first.
func (r *Registry) Expire(token string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[token]
	if !ok {
		return Request{}, false
	}
	if req.State == AwaitingConfirmation {
		req.State = TimedOut
	}
	return *req, req.State == TimedOut
}

// Len returns the number of requests held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
