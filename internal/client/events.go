package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// eventStream is a websocket subscription to a channel's block events.
type eventStream struct {
	url     string
	dialer  *websocket.Dialer
	onBlock BlockCallback
	onError ErrorCallback

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

func newEventStream(url string, onBlock BlockCallback, onError ErrorCallback) *eventStream {
	return &eventStream{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onBlock: onBlock,
		onError: onError,
	}
}

func (s *eventStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.connected.Load() {
		return nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.conn = conn
	s.connected.Store(true)
	go s.readLoop(conn)
	return nil
}

func (s *eventStream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := s.conn == conn
			if current {
				s.connected.Store(false)
			}
			s.mu.Unlock()
			// Reads on a connection closed by Disconnect are not failures.
			if current && s.onError != nil {
				s.onError(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		block, err := decodeBlock(raw)
		if err != nil {
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}
		s.onBlock(block)
	}
}

func (s *eventStream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected.Store(false)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *eventStream) IsConnected() bool {
	return s.connected.Load()
}
