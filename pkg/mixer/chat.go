// Copyright 2024-2026 Aiku AI

package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// chatFrame is the envelope shared by every frame on the chat socket.
// Method calls go client->server, replies and events come back.
type chatFrame struct {
	Type      string          `json:"type"`
	Method    string          `json:"method,omitempty"`
	Arguments []any           `json:"arguments,omitempty"`
	ID        int64           `json:"id,omitempty"`
	Event     string          `json:"event,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	frameTypeMethod = "method"
	frameTypeReply  = "reply"
	frameTypeEvent  = "event"

	eventChatMessage = "ChatMessage"
)

// replyTimeout bounds how long a method call waits for its reply frame.
const replyTimeout = 30 * time.Second

// ChatSocket is one realtime connection to a channel's chat. Nothing is
// read from the wire until Start, so handlers registered in between are
// guaranteed to see every frame. Handlers are invoked sequentially from a
// single read loop: handlers for one socket never run concurrently and
// events are delivered in arrival order.
type ChatSocket struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex
	nextID  int64

	repliesMu sync.Mutex
	replies   map[int64]chan *chatFrame

	onChatMessage func(*ChatMessageEvent)
	onError       func(error)

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// DialChat connects to the first reachable chat endpoint. The read loop
// does not run yet; register handlers, then call Start.
func DialChat(ctx context.Context, join *ChatJoin, log zerolog.Logger) (*ChatSocket, error) {
	var lastErr error
	for _, endpoint := range join.Endpoints {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Chat endpoint unreachable, trying next")
			continue
		}
		return &ChatSocket{
			conn:    conn,
			log:     log.With().Str("component", "chat_socket").Logger(),
			replies: make(map[int64]chan *chatFrame),
			closed:  make(chan struct{}),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("mixer: no chat endpoints")
	}
	return nil, fmt.Errorf("failed to connect to chat: %w", lastErr)
}

// OnChatMessage registers the handler for incoming chat messages.
// Must be called before Start.
func (s *ChatSocket) OnChatMessage(fn func(*ChatMessageEvent)) {
	s.onChatMessage = fn
}

// OnError registers the handler for socket-level failures. After it fires
// the socket is dead; no reconnection is attempted here.
// Must be called before Start.
func (s *ChatSocket) OnError(fn func(error)) {
	s.onError = fn
}

// Start launches the read loop. Handler registration after this point is
// not synchronized with frame delivery. Safe to call multiple times; only
// the first call has any effect.
func (s *ChatSocket) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
	})
}

// Auth authenticates the connection for a channel and blocks until the
// server replies or the context expires. Requires a started socket: the
// reply arrives through the read loop. Events may already be delivered
// while the reply is in flight.
func (s *ChatSocket) Auth(ctx context.Context, channelID, userID int64, authKey string) error {
	reply, err := s.call(ctx, "auth", []any{channelID, userID, authKey})
	if err != nil {
		return fmt.Errorf("chat auth failed: %w", err)
	}
	if len(reply.Error) > 0 && string(reply.Error) != "null" {
		return fmt.Errorf("chat auth rejected: %s", reply.Error)
	}
	return nil
}

func (s *ChatSocket) call(ctx context.Context, method string, args []any) (*chatFrame, error) {
	s.writeMu.Lock()
	s.nextID++
	id := s.nextID
	frame := &chatFrame{Type: frameTypeMethod, Method: method, Arguments: args, ID: id}

	ch := make(chan *chatFrame, 1)
	s.repliesMu.Lock()
	s.replies[id] = ch
	s.repliesMu.Unlock()

	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.dropReply(id)
		return nil, err
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		s.dropReply(id)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("chat socket closed")
	case <-timer.C:
		s.dropReply(id)
		return nil, fmt.Errorf("timed out waiting for %s reply", method)
	}
}

func (s *ChatSocket) dropReply(id int64) {
	s.repliesMu.Lock()
	delete(s.replies, id)
	s.repliesMu.Unlock()
}

func (s *ChatSocket) readLoop() {
	for {
		var frame chatFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.closed:
				// Deliberate close, not an error.
			default:
				s.log.Error().Err(err).Msg("Chat socket read failed")
				if s.onError != nil {
					s.onError(err)
				}
			}
			s.Close()
			return
		}
		s.handleFrame(&frame)
	}
}

func (s *ChatSocket) handleFrame(frame *chatFrame) {
	switch frame.Type {
	case frameTypeReply:
		s.repliesMu.Lock()
		ch, ok := s.replies[frame.ID]
		if ok {
			delete(s.replies, frame.ID)
		}
		s.repliesMu.Unlock()
		if ok {
			ch <- frame
		}
	case frameTypeEvent:
		s.handleEvent(frame)
	default:
		s.log.Debug().Str("frame_type", frame.Type).Msg("Unhandled frame type")
	}
}

func (s *ChatSocket) handleEvent(frame *chatFrame) {
	switch frame.Event {
	case eventChatMessage:
		msg, err := parseChatMessage(frame.Data)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to parse ChatMessage event")
			return
		}
		if s.onChatMessage != nil {
			s.onChatMessage(msg)
		}
	default:
		s.log.Trace().Str("event", frame.Event).Msg("Unhandled chat event")
	}
}

// Close tears down the connection. Safe to call multiple times.
func (s *ChatSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
