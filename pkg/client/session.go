package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// State is the call session connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// ErrAlreadyActive is returned by Start when a call is already in
// flight. Only one live call per session.
var ErrAlreadyActive = errors.New("client: call already active")

// defaultConnectTimeout bounds the wait for the vendor's connected
// signal after the live stream is dialed.
const defaultConnectTimeout = 15 * time.Second

// Session drives a single live call through
// idle → connecting → active → ending → ended, with error reachable
// from connecting and active. Vendor events flow in through an
// EventSource and out through the Emitter as standard events.
type Session struct {
	client  *Client
	emitter *Emitter

	dial           Dialer
	connectTimeout time.Duration

	mu     sync.Mutex
	state  State
	callID string
	// gen increments on every Start and End; async completions from a
	// previous generation (a stale token resolution, a late connect)
	// are ignored instead of corrupting the current call.
	gen    uint64
	source EventSource
}

// SessionOption customizes a session.
type SessionOption func(*Session)

// WithDialer overrides how the live stream is opened.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) { s.dial = d }
}

// WithConnectTimeout overrides the connected-signal wait bound.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.connectTimeout = d }
}

// NewSession creates an idle session.
func NewSession(c *Client, e *Emitter, opts ...SessionOption) *Session {
	s := &Session{
		client:         c,
		emitter:        e,
		dial:           DialStream,
		connectTimeout: defaultConnectTimeout,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID returns the current call id, empty outside a call.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Start begins a call: discovers the active provider, mints a token,
// opens the live stream, and waits for the vendor's connected signal.
// It returns once the call is active (or failed) and events continue
// to flow through the emitter until the call ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateEnded && s.state != StateError {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.state = StateConnecting
	s.callID = ""
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	cfg, err := s.client.Discover(ctx)
	if err != nil {
		return s.fail(gen, "call_error", err)
	}
	adapter, err := s.client.Adapter(cfg)
	if err != nil {
		return s.fail(gen, "call_error", err)
	}

	tok, err := s.client.FetchToken(ctx, cfg.Provider, models.TokenRequest{AgentID: cfg.AgentID})
	if err != nil {
		return s.fail(gen, "call_error", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// End() ran while the token was in flight; the resolution is
		// stale and the token is simply dropped.
		s.mu.Unlock()
		return nil
	}
	s.callID = tok.CallID
	s.mu.Unlock()

	liveURL := adapter.LiveURL(tok)
	if liveURL == "" {
		return s.fail(gen, "call_error", errors.New("provider has no live endpoint"))
	}

	source, err := s.dial(ctx, liveURL, adapter)
	if err != nil {
		return s.fail(gen, classify(err.Error()), err)
	}

	// Ready signal with a bounded wait for the connected event.
	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := s.awaitConnected(connectCtx, gen, source); err != nil {
		source.Close()
		return s.fail(gen, "call_error", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		source.Close()
		return nil
	}
	s.state = StateActive
	s.source = source
	callID := s.callID
	s.mu.Unlock()

	s.emitter.Emit(models.StandardEvent{Type: models.EventConnected, CallID: callID})
	go s.pump(gen, source)
	return nil
}

// awaitConnected consumes the source until the vendor's connected
// signal arrives. Pre-connect events other than errors are dropped.
func (s *Session) awaitConnected(ctx context.Context, gen uint64, source EventSource) error {
	for {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for the call to connect")
		case evt, ok := <-source.Events():
			if !ok {
				return errors.New("live stream closed before the call connected")
			}
			switch evt.Type {
			case models.EventConnected:
				if evt.CallID != "" {
					s.mu.Lock()
					if s.gen == gen {
						s.callID = evt.CallID
					}
					s.mu.Unlock()
				}
				return nil
			case models.EventError:
				return errors.New(evt.Message)
			}
		}
	}
}

// pump forwards live events to the emitter until the source closes or
// the call ends.
func (s *Session) pump(gen uint64, source EventSource) {
	for evt := range source.Events() {
		s.mu.Lock()
		stale := s.gen != gen
		callID := s.callID
		s.mu.Unlock()
		if stale {
			return
		}
		if evt.CallID == "" {
			evt.CallID = callID
		}

		switch evt.Type {
		case models.EventDisconnected:
			s.finish(gen, evt)
			return
		case models.EventError:
			evt.Code = classify(evt.Message)
			s.mu.Lock()
			if s.gen == gen {
				s.state = StateError
				s.source = nil
			}
			s.mu.Unlock()
			s.emitter.Emit(evt)
			source.Close()
			return
		default:
			// Speaking, transcript, and response events re-emit 1:1.
			s.emitter.Emit(evt)
		}
	}

	// Source closed without a vendor "call ended" signal.
	s.finish(gen, models.StandardEvent{Type: models.EventDisconnected})
}

// End terminates the call. Idempotent: ending a call that is not
// active is a no-op, not an error.
func (s *Session) End() error {
	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnding
	s.gen++
	source := s.source
	s.source = nil
	callID := s.callID
	s.state = StateEnded
	s.callID = ""
	s.mu.Unlock()

	if source != nil {
		source.Close()
	}
	s.emitter.Emit(models.StandardEvent{Type: models.EventDisconnected, CallID: callID})
	return nil
}

// finish handles a vendor-initiated call end.
func (s *Session) finish(gen uint64, evt models.StandardEvent) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.source = nil
	s.callID = ""
	s.mu.Unlock()
	s.emitter.Emit(evt)
}

// fail transitions to the error state and emits a classified error
// event. Stale failures from a superseded call attempt are swallowed.
func (s *Session) fail(gen uint64, code string, err error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateError
	s.callID = ""
	s.mu.Unlock()

	log.Warn().Err(err).Str("code", code).Msg("call failed")
	s.emitter.Emit(models.ErrorEvent(code, err.Error()))
	return err
}

// classify maps vendor error text to the stable error codes the UI
// renders remediation for.
func classify(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "permission denied"), strings.Contains(m, "not allowed"),
		strings.Contains(m, "notallowederror"):
		return "mic_permission_denied"
	case strings.Contains(m, "notfounderror"), strings.Contains(m, "no microphone"),
		strings.Contains(m, "device not found"):
		return "mic_not_found"
	case strings.Contains(m, "notreadableerror"), strings.Contains(m, "device in use"),
		strings.Contains(m, "track start"):
		return "mic_in_use"
	default:
		return "call_error"
	}
}
