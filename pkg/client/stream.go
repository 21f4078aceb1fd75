package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// EventSource is a live feed of normalized events for one call.
type EventSource interface {
	// Events delivers normalized events until the source closes. The
	// channel is closed when the underlying connection ends.
	Events() <-chan models.StandardEvent

	Close() error
}

// Dialer opens an EventSource for a live URL. The session uses it so
// tests can substitute a scripted source for a real connection.
type Dialer func(ctx context.Context, liveURL string, adapter provider.Provider) (EventSource, error)

// Stream is a websocket EventSource: raw vendor frames are normalized
// through the adapter and delivered on the events channel. Unmapped
// vendor events are dropped here with a logged reason; subscribers only
// ever see the standard vocabulary.
type Stream struct {
	conn      *websocket.Conn
	events    chan models.StandardEvent
	closeOnce sync.Once
}

// DialStream connects to the vendor realtime endpoint.
func DialStream(ctx context.Context, liveURL string, adapter provider.Provider) (EventSource, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, liveURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s := &Stream{
		conn:   conn,
		events: make(chan models.StandardEvent, 16),
	}
	go s.readLoop(adapter)
	return s, nil
}

func (s *Stream) Events() <-chan models.StandardEvent { return s.events }

// Close tears down the connection; the events channel closes once the
// read loop observes it.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

func (s *Stream) readLoop(adapter provider.Provider) {
	defer close(s.events)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("live stream read ended")
			}
			return
		}

		evt := adapter.NormalizeEvent(frame)
		if evt.Type == models.EventError && evt.Code == "unrecognized_event" {
			// Already logged by the adapter; not a subscriber-visible event.
			continue
		}
		s.events <- evt
	}
}
