package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/fontyslads/ctf-portal-sub000/go/clients"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSuperseded means a newer request on the same coordinator started before
	// this one settled. It is not a failure: callers drop the call silently.
	ErrSuperseded = errors.New("coordinator: request superseded")

	// ErrNoResult is returned by read-style calls whose fault was swallowed.
	ErrNoResult = errors.New("coordinator: no result")

	// ErrForeignToken is returned when a call is settled on a coordinator that
	// did not issue it.
	ErrForeignToken = errors.New("coordinator: call issued by another coordinator")
)

// faultPolicy decides what a non-cancellation failure looks like to the caller.
type faultPolicy int

const (
	swallowFaults   faultPolicy = iota // read, delete
	propagateFaults                    // create, replace
)

// Token identifies one request issued by a Coordinator.
type Token struct {
	owner *Coordinator
	seq   uint64
}

// Call is a completed request waiting to be settled into state.
type Call struct {
	Token   Token
	Payload json.RawMessage
}

// Coordinator issues at most one live request at a time. Starting a request
// cancels the previous one, and a stale request can never be settled.
type Coordinator struct {
	name      string
	transport Transport

	mu     sync.Mutex
	seq    uint64 // last issued token
	live   uint64 // token allowed to settle, 0 when none
	cancel context.CancelFunc
}

// New creates a coordinator for one resource scope.
func New(name string, transport Transport) *Coordinator {
	return &Coordinator{
		name:      name,
		transport: transport,
	}
}

// Read fetches path. Faults with a body are returned as *clients.APIError,
// anything else as ErrNoResult.
func (c *Coordinator) Read(ctx context.Context, path string) (*Call, error) {
	return c.issue(ctx, http.MethodGet, path, nil, swallowFaults)
}

// Create posts body to path. Every non-cancellation fault is returned as is.
// When the fault carries a body, a Call holding that body is returned with it
// so state attached to the rejection can be settled under the same token.
func (c *Coordinator) Create(ctx context.Context, path string, body any) (*Call, error) {
	return c.issue(ctx, http.MethodPost, path, body, propagateFaults)
}

// Replace puts body to path. Every non-cancellation fault is returned as is.
func (c *Coordinator) Replace(ctx context.Context, path string, body any) (*Call, error) {
	return c.issue(ctx, http.MethodPut, path, body, propagateFaults)
}

// Delete removes path. Faults are handled like Read.
func (c *Coordinator) Delete(ctx context.Context, path string, body any) (*Call, error) {
	return c.issue(ctx, http.MethodDelete, path, body, swallowFaults)
}

// Settle runs apply with the call's payload if the call still holds the live
// token, and invalidates the token. apply runs under the coordinator lock so
// no newer request can start in between; it must not call back into c.
func (c *Coordinator) Settle(call *Call, apply func(json.RawMessage) error) error {
	if call == nil || call.Token.owner != c {
		return ErrForeignToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if call.Token.seq == 0 || call.Token.seq != c.live {
		log.Debug().
			Str("coordinator", c.name).
			Uint64("token", call.Token.seq).
			Uint64("live", c.live).
			Msg("discarding stale settlement")
		return ErrSuperseded
	}
	c.live = 0

	if apply == nil {
		return nil
	}
	return apply(call.Payload)
}

// Abandon cancels the outstanding request, if any. Its settlement is discarded.
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.live = 0
}

// Outstanding reports whether a request is in flight or waiting to be settled.
func (c *Coordinator) Outstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live != 0
}

func (c *Coordinator) issue(ctx context.Context, method, path string, body any, policy faultPolicy) (*Call, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	reqCtx, tok := c.begin(ctx)

	resp, err := c.transport.Do(reqCtx, method, path, payload)

	if !c.release(tok) {
		log.Debug().
			Str("coordinator", c.name).
			Str("method", method).
			Str("path", path).
			Uint64("token", tok.seq).
			Msg("request superseded")
		return nil, ErrSuperseded
	}

	if err != nil {
		var apiErr *clients.APIError
		if policy == propagateFaults && errors.As(err, &apiErr) && apiErr.HasBody() {
			return &Call{Token: tok, Payload: apiErr.Body}, c.fault(method, path, err, policy)
		}
		c.invalidate(tok)
		return nil, c.fault(method, path, err, policy)
	}

	return &Call{Token: tok, Payload: resp}, nil
}

// begin cancels the previous request and makes a new token live.
func (c *Coordinator) begin(ctx context.Context) (context.Context, Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		log.Debug().
			Str("coordinator", c.name).
			Uint64("token", c.live).
			Msg("cancelling outstanding request")
	}

	c.seq++
	c.live = c.seq

	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	return reqCtx, Token{owner: c, seq: c.seq}
}

// release frees the request context of tok and reports whether tok is still live.
func (c *Coordinator) release(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok.seq != c.live {
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

func (c *Coordinator) invalidate(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok.seq == c.live {
		c.live = 0
	}
}

func (c *Coordinator) fault(method, path string, err error, policy faultPolicy) error {
	if policy == propagateFaults {
		log.Warn().
			Err(err).
			Str("coordinator", c.name).
			Str("method", method).
			Str("path", path).
			Msg("request rejected")
		return err
	}

	var apiErr *clients.APIError
	if errors.As(err, &apiErr) && apiErr.HasBody() {
		log.Warn().
			Err(err).
			Str("coordinator", c.name).
			Str("path", path).
			Msg("read fault with body")
		return apiErr
	}

	log.Warn().
		Err(err).
		Str("coordinator", c.name).
		Str("path", path).
		Msg("read fault swallowed")
	return fmt.Errorf("%w: %v", ErrNoResult, err)
}
