// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mixer/pkg/mixer"
)

// ChatService is the streaming-platform surface a session consumes.
// *mixer.Client is the production implementation.
type ChatService interface {
	Channel(ctx context.Context, usernameOrID string) (*mixer.Channel, error)
	JoinChat(ctx context.Context, channelID int64) (*mixer.ChatJoin, error)
	UserID() int64
}

// ChatConn is one realtime chat connection. Handlers are registered
// first, then Start begins delivery. *mixer.ChatSocket is the production
// implementation.
type ChatConn interface {
	OnChatMessage(fn func(*mixer.ChatMessageEvent))
	OnError(fn func(error))
	Start()
	Auth(ctx context.Context, channelID, userID int64, authKey string) error
	Close() error
}

// chatDialer opens realtime connections; tests swap in a fake.
type chatDialer func(ctx context.Context, join *mixer.ChatJoin, log zerolog.Logger) (ChatConn, error)

func dialChatSocket(ctx context.Context, join *mixer.ChatJoin, log zerolog.Logger) (ChatConn, error) {
	return mixer.DialChat(ctx, join, log)
}

// StreamSession bridges one channel's chat into one Matrix room. Incoming
// messages are handled sequentially in arrival order on the socket's
// dispatch goroutine, so for any sender the profile update always lands
// before that sender's message.
type StreamSession struct {
	bridge    *Bridge
	roomID    id.RoomID
	channelID int64
	log       zerolog.Logger

	conn     ChatConn
	stopOnce sync.Once
	stopped  chan struct{}
}

func newStreamSession(br *Bridge, roomID id.RoomID, channelID int64) *StreamSession {
	return &StreamSession{
		bridge:    br,
		roomID:    roomID,
		channelID: channelID,
		log: br.log.With().
			Str("component", "stream").
			Stringer("room_id", roomID).
			Logger(),
		stopped: make(chan struct{}),
	}
}

// run resolves the channel binding if needed and starts the session.
// All failures are logged here; nothing propagates to the registry's
// caller. Unrecoverable start failures release the room's registry slot
// so a later rejoin can retry.
func (s *StreamSession) run(ctx context.Context) {
	if s.channelID <= 0 {
		var marker ChannelMarkerContent
		err := s.bridge.matrix.StateEvent(ctx, s.roomID, ChannelMarkerEvent, "", &marker)
		if err != nil {
			s.log.Warn().Err(err).Msg("No channel identity in room, leaving unbridged")
			s.bridge.releaseRoom(s.roomID, s)
			return
		}
		if marker.ChannelID <= 0 {
			s.log.Warn().Msg("Channel identity event has no channel ID, leaving unbridged")
			s.bridge.releaseRoom(s.roomID, s)
			return
		}
		s.channelID = marker.ChannelID
	}
	s.log = s.log.With().Int64("channel_id", s.channelID).Logger()

	if err := s.start(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to start stream session")
		s.bridge.releaseRoom(s.roomID, s)
	}
}

// start joins the channel's chat service, opens the socket and kicks off
// asynchronous authentication, then performs the initial room metadata
// reconciliation. Auth and reconcile failures degrade the session but do
// not fail it; only the inability to get a socket at all is fatal.
func (s *StreamSession) start(ctx context.Context) error {
	s.log.Info().Msg("Joining channel chat")
	join, err := s.bridge.mixer.JoinChat(ctx, s.channelID)
	if err != nil {
		return fmt.Errorf("failed to join chat: %w", err)
	}
	conn, err := s.bridge.dialChat(ctx, join, s.log)
	if err != nil {
		return err
	}
	s.conn = conn

	conn.OnError(func(err error) {
		s.log.Error().Err(err).Msg("Chat socket error")
	})
	conn.OnChatMessage(s.handleChatMessage)
	conn.Start()

	// Auth completes in the background; the server queues events for the
	// connection in the meantime.
	go func() {
		if err := conn.Auth(context.Background(), s.channelID, s.bridge.mixer.UserID(), join.AuthKey); err != nil {
			s.log.Error().Err(err).Msg("Chat authentication failed")
		}
	}()

	if err := s.ReconcileRoomMetadata(ctx); err != nil {
		s.log.Error().Err(err).Msg("Initial room metadata reconciliation failed")
	}

	if interval := s.bridge.cfg.Bridge.ResyncInterval; interval > 0 {
		go s.resyncLoop(interval)
	}
	s.log.Info().Msg("Stream session live")
	return nil
}

// handleChatMessage bridges one incoming chat message. The ghost's
// profile is synced and the ghost joined before the message is sent, so
// it never becomes visible in the room with a stale identity.
func (s *StreamSession) handleChatMessage(msg *mixer.ChatMessageEvent) {
	ctx := context.Background()
	log := s.log.With().Str("sender", msg.UserName).Logger()

	if msg.Whisper {
		log.Debug().Int64("user_id", msg.UserID).Msg("Discarding whisper")
		return
	}

	intent := s.bridge.puppets.Intent(msg.UserName)
	if err := intent.EnsureRegistered(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to register ghost")
		return
	}
	s.bridge.puppets.SyncProfile(ctx, intent, msg.UserName, msg.UserAvatar)
	if err := intent.EnsureJoined(ctx, s.roomID); err != nil {
		log.Error().Err(err).Msg("Failed to join ghost to room")
		return
	}

	content := s.bridge.assembler.Assemble(ctx, msg)
	if _, err := intent.SendMessage(ctx, s.roomID, content); err != nil {
		log.Error().Err(err).Msg("Failed to send bridged message")
	}
}

// ReconcileRoomMetadata pushes the room's name, topic, avatar and power
// levels from a fresh channel snapshot. State is written unconditionally
// rather than diffed; the homeserver deduplicates identical state.
func (s *StreamSession) ReconcileRoomMetadata(ctx context.Context) error {
	channel, err := s.bridge.mixer.Channel(ctx, strconv.FormatInt(s.channelID, 10))
	if err != nil {
		return fmt.Errorf("failed to fetch channel snapshot: %w", err)
	}
	deco := s.bridge.DecorateRoom(ctx, channel)

	api := s.bridge.matrix
	if err = api.SendStateEvent(ctx, s.roomID, event.StatePowerLevels, "", s.bridge.roomPowerLevels()); err != nil {
		return fmt.Errorf("failed to set power levels: %w", err)
	}
	if err = api.SendStateEvent(ctx, s.roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: deco.Name}); err != nil {
		return fmt.Errorf("failed to set room name: %w", err)
	}
	if err = api.SendStateEvent(ctx, s.roomID, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: deco.AvatarURL}); err != nil {
		return fmt.Errorf("failed to set room avatar: %w", err)
	}
	if err = api.SendStateEvent(ctx, s.roomID, event.StateTopic, "", &event.TopicEventContent{Topic: deco.Topic}); err != nil {
		return fmt.Errorf("failed to set room topic: %w", err)
	}
	return nil
}

func (s *StreamSession) resyncLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			if err := s.ReconcileRoomMetadata(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("Room metadata reconciliation failed")
			}
		}
	}
}

// Stop tears down the session's socket and timers. Safe to call multiple
// times and on sessions that never fully started.
func (s *StreamSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.log.Debug().Err(err).Msg("Error closing chat socket")
			}
		}
		s.log.Info().Msg("Stream session stopped")
	})
}
