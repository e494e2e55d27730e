// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mixer/pkg/mixer"
)

// ChannelMarkerEvent is the room state event binding a Matrix room to a
// stream channel. Its presence is what makes a room a bridged room.
var ChannelMarkerEvent = event.Type{Type: "com.aiku.mixer.channel", Class: event.StateEventType}

// WidgetEvent is the legacy widget state event used to embed the player.
var WidgetEvent = event.Type{Type: "im.vector.modular.widgets", Class: event.StateEventType}

// ChannelMarkerContent is the content of a ChannelMarkerEvent.
type ChannelMarkerContent struct {
	ChannelID int64 `json:"channel_id"`
}

// RoomDecoration is the displayable state derived from a channel snapshot.
type RoomDecoration struct {
	Name      string
	Topic     string
	AvatarURL id.ContentURIString
}

// foreignMessageReason is sent with redactions of Matrix-originated
// messages in bridged rooms.
const foreignMessageReason = "This room mirrors a live stream's chat; messages can only come from the stream."

// Bridge is the top level coordinator: it maps Matrix rooms to stream
// channels, answers alias provisioning queries, and owns at most one
// StreamSession per room.
type Bridge struct {
	cfg       *Config
	log       zerolog.Logger
	matrix    MatrixAPI
	mixer     ChatService
	dialChat  chatDialer
	media     *MediaCache
	puppets   *PuppetRegistry
	assembler *MessageAssembler

	streamsMu sync.Mutex
	streams   map[id.RoomID]*StreamSession
}

// New assembles a bridge from its collaborators.
func New(cfg *Config, matrix MatrixAPI, svc ChatService, log zerolog.Logger) *Bridge {
	br := &Bridge{
		cfg:      cfg,
		log:      log.With().Str("component", "bridge").Logger(),
		matrix:   matrix,
		mixer:    svc,
		dialChat: dialChatSocket,
		streams:  make(map[id.RoomID]*StreamSession),
	}
	br.media = NewMediaCache(matrix, cfg.Bridge.MediaCacheSize, cfg.Bridge.MediaCacheTTL, log)
	br.puppets = NewPuppetRegistry(matrix, br.media, cfg.AppService.UserPrefix, log)
	br.assembler = NewMessageAssembler(br.puppets, log)
	return br
}

// SyncOnStartup starts a session for every room the bridge actor already
// occupies. One room's failure never aborts the sweep; each start runs
// and fails independently.
func (br *Bridge) SyncOnStartup(ctx context.Context) {
	rooms, err := br.matrix.JoinedRooms(ctx)
	if err != nil {
		br.log.Error().Err(err).Msg("Failed to list joined rooms for startup sync")
		return
	}
	br.log.Info().Int("room_count", len(rooms)).Msg("Syncing bridged rooms")
	for _, roomID := range rooms {
		br.StartChannel(ctx, roomID, 0)
	}
}

// StartChannel starts bridging a room. Idempotent: a room that already
// has a session (including one still starting) is left alone. Pass a
// non-positive channelID to resolve it from the room's channel identity
// state. The room's slot is reserved before any network work happens, so
// concurrent calls for the same room cannot race into two sessions.
func (br *Bridge) StartChannel(ctx context.Context, roomID id.RoomID, channelID int64) {
	if roomID == "" {
		return
	}
	br.streamsMu.Lock()
	if _, exists := br.streams[roomID]; exists {
		br.streamsMu.Unlock()
		return
	}
	sess := newStreamSession(br, roomID, channelID)
	br.streams[roomID] = sess
	br.streamsMu.Unlock()

	br.log.Info().Stringer("room_id", roomID).Int64("channel_id", channelID).Msg("Bridging room")
	go sess.run(ctx)
}

// StopChannel stops and forgets the room's session, if any.
func (br *Bridge) StopChannel(roomID id.RoomID) {
	br.streamsMu.Lock()
	sess := br.streams[roomID]
	delete(br.streams, roomID)
	br.streamsMu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Stop tears down every session.
func (br *Bridge) Stop() {
	br.streamsMu.Lock()
	sessions := make([]*StreamSession, 0, len(br.streams))
	for _, sess := range br.streams {
		sessions = append(sessions, sess)
	}
	br.streams = make(map[id.RoomID]*StreamSession)
	br.streamsMu.Unlock()
	for _, sess := range sessions {
		sess.Stop()
	}
}

// releaseRoom frees a room's slot after an unrecoverable start failure,
// but only if the slot still belongs to that session.
func (br *Bridge) releaseRoom(roomID id.RoomID, sess *StreamSession) {
	br.streamsMu.Lock()
	if br.streams[roomID] == sess {
		delete(br.streams, roomID)
	}
	br.streamsMu.Unlock()
}

// isBridged reports whether the room currently has a session.
func (br *Bridge) isBridged(roomID id.RoomID) bool {
	br.streamsMu.Lock()
	defer br.streamsMu.Unlock()
	_, ok := br.streams[roomID]
	return ok
}

// SessionCount returns the number of active sessions.
func (br *Bridge) SessionCount() int {
	br.streamsMu.Lock()
	defer br.streamsMu.Unlock()
	return len(br.streams)
}

// aliasSuffix extracts the channel reference from a full room alias like
// #mixer_somestreamer:example.com.
func (br *Bridge) aliasSuffix(alias string) (string, bool) {
	prefix := "#" + br.cfg.AppService.AliasPrefix + "_"
	if !strings.HasPrefix(alias, prefix) {
		return "", false
	}
	suffix, _, found := strings.Cut(strings.TrimPrefix(alias, prefix), ":")
	if !found || suffix == "" {
		return "", false
	}
	return suffix, true
}

// QueryAlias handles an alias provisioning query from the homeserver.
// If the suffix names a real channel, the room is created with its full
// decoration and a session is started using the already-resolved channel
// ID. Returning false refuses provisioning with no side effects.
func (br *Bridge) QueryAlias(ctx context.Context, alias string) bool {
	suffix, ok := br.aliasSuffix(alias)
	if !ok {
		return false
	}
	log := br.log.With().Str("alias", alias).Str("channel", suffix).Logger()

	channel, err := br.mixer.Channel(ctx, suffix)
	if errors.Is(err, mixer.ErrChannelNotFound) {
		log.Debug().Msg("Alias query for nonexistent channel")
		return false
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up channel for alias query")
		return false
	}

	deco := br.DecorateRoom(ctx, channel)
	initialState := []*event.Event{
		{
			Type:    ChannelMarkerEvent,
			Content: event.Content{Parsed: &ChannelMarkerContent{ChannelID: channel.ID}},
		},
		{
			Type:     WidgetEvent,
			StateKey: ptr.Ptr("mixer"),
			Content:  event.Content{Parsed: br.playerWidgetContent(channel)},
		},
	}
	if deco.AvatarURL != "" {
		initialState = append(initialState, &event.Event{
			Type:    event.StateRoomAvatar,
			Content: event.Content{Parsed: &event.RoomAvatarEventContent{URL: deco.AvatarURL}},
		})
	}

	log.Info().Int64("channel_id", channel.ID).Msg("Creating room for alias query")
	roomID, err := br.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:         "public",
		Preset:             "public_chat",
		RoomAliasName:      br.cfg.AppService.AliasPrefix + "_" + suffix,
		Name:               deco.Name,
		Topic:              deco.Topic,
		InitialState:       initialState,
		PowerLevelOverride: br.roomPowerLevels(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create room for alias query")
		return false
	}

	br.StartChannel(ctx, roomID, channel.ID)
	return true
}

// QueryUser refuses all user provisioning queries; ghosts are registered
// explicitly when their first message arrives.
func (br *Bridge) QueryUser(_ context.Context, _ id.UserID) bool {
	return false
}

// HandleMemberEvent reacts to the bridge actor's own membership changes:
// a join starts bridging the room, a leave or ban stops it.
func (br *Bridge) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(br.matrix.BotUserID()) {
		return
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			br.log.Warn().Err(err).Msg("Failed to parse member event")
			return
		}
	}
	switch evt.Content.AsMember().Membership {
	case event.MembershipJoin:
		br.StartChannel(ctx, evt.RoomID, 0)
	case event.MembershipLeave, event.MembershipBan:
		br.StopChannel(evt.RoomID)
	}
}

// HandleRoomMessage enforces one-way chat: any message in a bridged room
// that was not produced by the bridge or one of its ghosts is redacted
// with an explanatory reason.
func (br *Bridge) HandleRoomMessage(ctx context.Context, evt *event.Event) {
	if !br.isBridged(evt.RoomID) {
		return
	}
	if evt.Sender == br.matrix.BotUserID() {
		return
	}
	localpart, domain, err := evt.Sender.Parse()
	if err == nil && domain == br.cfg.Homeserver.Domain && br.puppets.IsPuppetLocalpart(localpart) {
		return
	}
	br.log.Debug().
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Msg("Reverting foreign message in bridged room")
	if err := br.matrix.RedactEvent(ctx, evt.RoomID, evt.ID, foreignMessageReason); err != nil {
		br.log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to redact foreign message")
	}
}

// DecorateRoom maps a channel snapshot to room display state. The avatar
// goes through the media cache; an upload failure just means no avatar.
func (br *Bridge) DecorateRoom(ctx context.Context, channel *mixer.Channel) *RoomDecoration {
	// TODO: surface channel.Live in the decoration once a room marker for
	// live/offline state is settled.
	deco := &RoomDecoration{
		Name:  fmt.Sprintf("%s: %s", channel.Username, channel.Name),
		Topic: channel.Description,
	}
	if channel.AvatarURL != "" {
		uri, err := br.media.FetchOrUpload(ctx, channel.AvatarURL, nil)
		if err != nil {
			br.log.Warn().Err(err).Int64("channel_id", channel.ID).Msg("Failed to upload channel avatar")
		} else {
			deco.AvatarURL = uri.CUString()
		}
	}
	return deco
}

// playerWidgetContent builds the embedded player widget for a channel.
func (br *Bridge) playerWidgetContent(channel *mixer.Channel) map[string]any {
	return map[string]any{
		"id":                "mixer",
		"type":              "m.custom",
		"url":               fmt.Sprintf("https://mixer.com/embed/player/%s?muted=true", channel.Username),
		"name":              "Mixer",
		"waitForIframeLoad": true,
		"data": map[string]any{
			"title":       channel.Username,
			"channelId":   channel.ID,
			"channelName": channel.Username,
		},
	}
}

// roomPowerLevels is the power level layout for bridged rooms: the bridge
// actor has full control, everyone else is read-only with limited
// moderation once promoted.
func (br *Bridge) roomPowerLevels() *event.PowerLevelsEventContent {
	return &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{
			br.matrix.BotUserID(): 100,
		},
		UsersDefault:  0,
		EventsDefault: 0,
		Events: map[string]int{
			event.StateRoomName.Type:          100,
			event.StatePowerLevels.Type:       100,
			event.StateHistoryVisibility.Type: 100,
			event.StateCanonicalAlias.Type:    50,
			event.StateRoomAvatar.Type:        100,
		},
		StateDefaultPtr: ptr.Ptr(100),
		InvitePtr:       ptr.Ptr(0),
		KickPtr:         ptr.Ptr(50),
		BanPtr:          ptr.Ptr(50),
		RedactPtr:       ptr.Ptr(50),
		Notifications: &event.NotificationPowerLevels{
			RoomPtr: ptr.Ptr(50),
		},
	}
}
