// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mixer/pkg/mixer"
)

const testDomain = "example.com"

var errNotFound = errors.New("not found")

// fakeIntent is an in-memory MatrixIntent that records every call in
// order so tests can assert on call sequencing.
type fakeIntent struct {
	userID id.UserID

	mu             sync.Mutex
	calls          []string
	joined         []id.RoomID
	sent           []*event.MessageEventContent
	sentRooms      []id.RoomID
	displayName    string
	displayNameErr error
	avatarURL      id.ContentURI
	uploadCount    int
	uploadErr      error
	uploadResult   id.ContentURI
	registerErr    error
	joinErr        error
	sendErr        error
	setNameErr     error
}

func (fi *fakeIntent) record(call string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.calls = append(fi.calls, call)
}

func (fi *fakeIntent) Calls() []string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	cp := make([]string, len(fi.calls))
	copy(cp, fi.calls)
	return cp
}

func (fi *fakeIntent) UserID() id.UserID { return fi.userID }

func (fi *fakeIntent) EnsureRegistered(_ context.Context) error {
	fi.record("register")
	return fi.registerErr
}

func (fi *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	fi.record("join")
	if fi.joinErr != nil {
		return fi.joinErr
	}
	fi.mu.Lock()
	fi.joined = append(fi.joined, roomID)
	fi.mu.Unlock()
	return nil
}

func (fi *fakeIntent) DisplayName(_ context.Context) (string, error) {
	fi.record("get_displayname")
	return fi.displayName, fi.displayNameErr
}

func (fi *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	fi.record("set_displayname")
	if fi.setNameErr != nil {
		return fi.setNameErr
	}
	fi.mu.Lock()
	fi.displayName = name
	fi.mu.Unlock()
	return nil
}

func (fi *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURI) error {
	fi.record("set_avatar")
	fi.mu.Lock()
	fi.avatarURL = uri
	fi.mu.Unlock()
	return nil
}

func (fi *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	fi.record("send")
	if fi.sendErr != nil {
		return "", fi.sendErr
	}
	fi.mu.Lock()
	fi.sent = append(fi.sent, content)
	fi.sentRooms = append(fi.sentRooms, roomID)
	fi.mu.Unlock()
	return "$fake", nil
}

func (fi *fakeIntent) UploadLink(_ context.Context, _ string) (id.ContentURI, error) {
	fi.record("upload")
	fi.mu.Lock()
	fi.uploadCount++
	fi.mu.Unlock()
	if fi.uploadErr != nil {
		return id.ContentURI{}, fi.uploadErr
	}
	return fi.uploadResult, nil
}

// sentState records one state event pushed to a room.
type sentState struct {
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Content  any
}

// redaction records one redacted event.
type redaction struct {
	RoomID  id.RoomID
	EventID id.EventID
	Reason  string
}

// fakeMatrixAPI is an in-memory MatrixAPI. Account data and readable room
// state round-trip through JSON, like the real thing.
type fakeMatrixAPI struct {
	bot *fakeIntent

	mu          sync.Mutex
	intents     map[string]*fakeIntent
	accountData map[string][]byte
	roomState   map[string][]byte
	stateReads  int
	sentState   []sentState
	redactions  []redaction
	joinedRooms []id.RoomID
	created     []*mautrix.ReqCreateRoom
	nextRoomID  int
}

func newFakeMatrixAPI() *fakeMatrixAPI {
	return &fakeMatrixAPI{
		bot:         &fakeIntent{userID: id.NewUserID("mixerbot", testDomain)},
		intents:     make(map[string]*fakeIntent),
		accountData: make(map[string][]byte),
		roomState:   make(map[string][]byte),
	}
}

func (fm *fakeMatrixAPI) BotUserID() id.UserID    { return fm.bot.userID }
func (fm *fakeMatrixAPI) BotIntent() MatrixIntent { return fm.bot }

func (fm *fakeMatrixAPI) Intent(localpart string) MatrixIntent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fi, ok := fm.intents[localpart]
	if !ok {
		fi = &fakeIntent{userID: id.NewUserID(localpart, testDomain)}
		fm.intents[localpart] = fi
	}
	return fi
}

// intentFor returns the ghost intent for a localpart without creating it.
func (fm *fakeMatrixAPI) intentFor(localpart string) *fakeIntent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.intents[localpart]
}

func (fm *fakeMatrixAPI) intentCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.intents)
}

func (fm *fakeMatrixAPI) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]id.RoomID(nil), fm.joinedRooms...), nil
}

func stateKey(roomID id.RoomID, evtType event.Type, key string) string {
	return fmt.Sprintf("%s/%s/%s", roomID, evtType.Type, key)
}

// setRoomState seeds readable room state for tests.
func (fm *fakeMatrixAPI) setRoomState(roomID id.RoomID, evtType event.Type, key string, content any) {
	data, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.roomState[stateKey(roomID, evtType, key)] = data
}

func (fm *fakeMatrixAPI) StateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, key string, into any) error {
	fm.mu.Lock()
	fm.stateReads++
	data, ok := fm.roomState[stateKey(roomID, evtType, key)]
	fm.mu.Unlock()
	if !ok {
		return errNotFound
	}
	return json.Unmarshal(data, into)
}

func (fm *fakeMatrixAPI) stateReadCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.stateReads
}

func (fm *fakeMatrixAPI) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, key string, content any) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.sentState = append(fm.sentState, sentState{RoomID: roomID, Type: evtType, StateKey: key, Content: content})
	return nil
}

func (fm *fakeMatrixAPI) SentState() []sentState {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]sentState(nil), fm.sentState...)
}

func (fm *fakeMatrixAPI) RedactEvent(_ context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.redactions = append(fm.redactions, redaction{RoomID: roomID, EventID: eventID, Reason: reason})
	return nil
}

func (fm *fakeMatrixAPI) Redactions() []redaction {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]redaction(nil), fm.redactions...)
}

func (fm *fakeMatrixAPI) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.created = append(fm.created, req)
	fm.nextRoomID++
	roomID := id.RoomID(fmt.Sprintf("!created-%d:%s", fm.nextRoomID, testDomain))
	// Room creation applies the initial state, so seed it as readable.
	for _, evt := range req.InitialState {
		data, err := json.Marshal(evt.Content.Parsed)
		if err != nil {
			continue
		}
		fm.roomState[stateKey(roomID, evt.Type, evt.GetStateKey())] = data
	}
	return roomID, nil
}

func (fm *fakeMatrixAPI) CreatedRooms() []*mautrix.ReqCreateRoom {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]*mautrix.ReqCreateRoom(nil), fm.created...)
}

func (fm *fakeMatrixAPI) GetAccountData(_ context.Context, key string, into any) error {
	fm.mu.Lock()
	data, ok := fm.accountData[key]
	fm.mu.Unlock()
	if !ok {
		return errNotFound
	}
	return json.Unmarshal(data, into)
}

func (fm *fakeMatrixAPI) SetAccountData(_ context.Context, key string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.accountData[key] = data
	return nil
}

// fakeChatService is an in-memory ChatService.
type fakeChatService struct {
	mu        sync.Mutex
	channels  map[string]*mixer.Channel
	joinErr   error
	joinCalls int
	userID    int64
}

func newFakeChatService() *fakeChatService {
	return &fakeChatService{channels: make(map[string]*mixer.Channel), userID: 42}
}

func (fs *fakeChatService) addChannel(ch *mixer.Channel) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.channels[ch.Username] = ch
	fs.channels[fmt.Sprintf("%d", ch.ID)] = ch
}

func (fs *fakeChatService) Channel(_ context.Context, usernameOrID string) (*mixer.Channel, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ch, ok := fs.channels[usernameOrID]
	if !ok {
		return nil, mixer.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (fs *fakeChatService) JoinChat(_ context.Context, channelID int64) (*mixer.ChatJoin, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.joinCalls++
	if fs.joinErr != nil {
		return nil, fs.joinErr
	}
	return &mixer.ChatJoin{Endpoints: []string{"wss://fake"}, AuthKey: "key"}, nil
}

func (fs *fakeChatService) JoinCalls() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.joinCalls
}

func (fs *fakeChatService) UserID() int64 { return fs.userID }

// fakeChatConn captures handlers so tests can feed events through them.
type fakeChatConn struct {
	mu                 sync.Mutex
	onMessage          func(*mixer.ChatMessageEvent)
	onError            func(error)
	started            bool
	startedWithHandler bool
	authCalls          int
	authErr            error
	closed             bool
}

func (fc *fakeChatConn) OnChatMessage(fn func(*mixer.ChatMessageEvent)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onMessage = fn
}

func (fc *fakeChatConn) OnError(fn func(error)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.onError = fn
}

func (fc *fakeChatConn) Start() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.started = true
	fc.startedWithHandler = fc.onMessage != nil
}

func (fc *fakeChatConn) Auth(_ context.Context, _, _ int64, _ string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.authCalls++
	return fc.authErr
}

func (fc *fakeChatConn) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	return nil
}

// deliver feeds a chat message through the registered handler.
func (fc *fakeChatConn) deliver(msg *mixer.ChatMessageEvent) {
	fc.mu.Lock()
	fn := fc.onMessage
	fc.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// testConfig returns a config with test-friendly values and defaults set.
func testConfig() *Config {
	var cfg Config
	cfg.Homeserver.Address = "http://localhost:8008"
	cfg.Homeserver.Domain = testDomain
	cfg.Mixer.Token = "token"
	cfg.Mixer.ClientID = "client"
	cfg.applyDefaults()
	return &cfg
}

// newTestBridge wires a bridge over in-memory fakes and a fake dialer.
func newTestBridge(t *testing.T) (*Bridge, *fakeMatrixAPI, *fakeChatService, *fakeChatConn) {
	t.Helper()
	api := newFakeMatrixAPI()
	svc := newFakeChatService()
	conn := &fakeChatConn{}
	br := New(testConfig(), api, svc, zerolog.Nop())
	br.dialChat = func(_ context.Context, _ *mixer.ChatJoin, _ zerolog.Logger) (ChatConn, error) {
		return conn, nil
	}
	return br, api, svc, conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
