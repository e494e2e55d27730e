// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixIntent is the per-identity surface the bridge consumes from the
// homeserver: one implementation per Matrix user the bridge acts as.
// Tests substitute in-memory fakes; production wraps appservice intents.
type MatrixIntent interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	// DisplayName returns the identity's current profile display name.
	DisplayName(ctx context.Context) (string, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURI) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	// UploadLink downloads the given URL through the homeserver's media
	// repository and returns the resulting content URI.
	UploadLink(ctx context.Context, url string) (id.ContentURI, error)
}

// MatrixAPI is the bridge-actor-level surface of the homeserver.
type MatrixAPI interface {
	BotUserID() id.UserID
	BotIntent() MatrixIntent
	// Intent returns the intent for the ghost with the given localpart.
	Intent(localpart string) MatrixIntent
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	StateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	GetAccountData(ctx context.Context, key string, into any) error
	SetAccountData(ctx context.Context, key string, content any) error
}

// queryHandler adapts the bridge's provisioning operations to the
// appservice query interface, which carries no context.
type queryHandler struct {
	br *Bridge
}

var _ appservice.QueryHandler = (*queryHandler)(nil)

// AppServiceQueryHandler returns the bridge's alias and user provisioning
// surface in the shape the appservice expects.
func (br *Bridge) AppServiceQueryHandler() appservice.QueryHandler {
	return &queryHandler{br: br}
}

func (qh *queryHandler) QueryAlias(alias string) bool {
	return qh.br.QueryAlias(context.Background(), alias)
}

func (qh *queryHandler) QueryUser(userID id.UserID) bool {
	return qh.br.QueryUser(context.Background(), userID)
}

// appServiceAPI implements MatrixAPI on top of a mautrix appservice.
type appServiceAPI struct {
	as *appservice.AppService
}

// NewMatrixAPI wraps a mautrix appservice in the MatrixAPI interface.
func NewMatrixAPI(as *appservice.AppService) MatrixAPI {
	return &appServiceAPI{as: as}
}

func (a *appServiceAPI) BotUserID() id.UserID {
	return a.as.BotMXID()
}

func (a *appServiceAPI) BotIntent() MatrixIntent {
	return &appServiceIntent{intent: a.as.BotIntent()}
}

func (a *appServiceAPI) Intent(localpart string) MatrixIntent {
	return &appServiceIntent{intent: a.as.Intent(id.NewUserID(localpart, a.as.HomeserverDomain))}
}

func (a *appServiceAPI) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := a.as.BotClient().JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

func (a *appServiceAPI) StateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error {
	return a.as.BotClient().StateEvent(ctx, roomID, evtType, stateKey, into)
}

func (a *appServiceAPI) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := a.as.BotClient().SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (a *appServiceAPI) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	_, err := a.as.BotClient().RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	return err
}

func (a *appServiceAPI) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := a.as.BotClient().CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (a *appServiceAPI) GetAccountData(ctx context.Context, key string, into any) error {
	return a.as.BotClient().GetAccountData(ctx, key, into)
}

func (a *appServiceAPI) SetAccountData(ctx context.Context, key string, content any) error {
	return a.as.BotClient().SetAccountData(ctx, key, content)
}

// appServiceIntent implements MatrixIntent on top of a mautrix intent.
type appServiceIntent struct {
	intent *appservice.IntentAPI
}

func (i *appServiceIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *appServiceIntent) EnsureRegistered(ctx context.Context) error {
	return i.intent.EnsureRegistered(ctx)
}

func (i *appServiceIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *appServiceIntent) DisplayName(ctx context.Context) (string, error) {
	profile, err := i.intent.GetProfile(ctx, i.intent.UserID)
	if err != nil {
		return "", err
	}
	return profile.DisplayName, nil
}

func (i *appServiceIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}

func (i *appServiceIntent) SetAvatarURL(ctx context.Context, uri id.ContentURI) error {
	return i.intent.SetAvatarURL(ctx, uri)
}

func (i *appServiceIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *appServiceIntent) UploadLink(ctx context.Context, url string) (id.ContentURI, error) {
	resp, err := i.intent.UploadLink(ctx, url)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}
