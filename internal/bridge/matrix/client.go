// Package matrix wraps the mautrix client with the small set of typed
// operations the bridge needs, behind a per-identity session cache.
//
// Every bridge identity — the admin, the letta bot, and each agent — logs in
// with a password and keeps its access token inside a cached mautrix client.
// A 401 invalidates the cached session and forces exactly one relogin; if
// that also fails the auth error surfaces to the caller. There is no
// fallback identity anywhere in this package.
package matrix

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	// HomeserverURL is the base URL of the homeserver.
	HomeserverURL string
	// ServerName is the domain used in user IDs and space via hints.
	ServerName string
	// HTTP is the shared pooled HTTP client. When nil, mautrix's default is
	// used (tests mostly pass nil).
	HTTP *http.Client
	// DB is an optional SQLite connection used to persist sync tokens
	// (next_batch) across restarts. When nil, an in-memory store is used and
	// room history is replayed after every restart.
	DB *sql.DB
}

// Identity is a localpart + password pair the bridge can log in as.
type Identity struct {
	Username string
	Password string
}

// Client is the typed Matrix wrapper with a session cache.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	sessions map[string]*mautrix.Client
}

// New creates a new Client. No network traffic happens until the first
// operation needs a session.
func New(cfg Config) *Client {
	return &Client{
		cfg:      cfg,
		sessions: make(map[string]*mautrix.Client),
	}
}

// UserID returns the full Matrix user ID for a localpart on this server.
func (c *Client) UserID(localpart string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", localpart, c.cfg.ServerName))
}

// NewTxnID returns a fresh client-chosen transaction ID for send_message.
// Callers must reuse the same ID when retrying a send so the homeserver
// deduplicates instead of double-posting.
func NewTxnID() string {
	return "lettabridge-" + uuid.NewString()
}

// newRawClient builds an unauthenticated mautrix client sharing the pooled
// HTTP transport.
func (c *Client) newRawClient() (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.cfg.HomeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if c.cfg.HTTP != nil {
		cli.Client = c.cfg.HTTP
	}
	if c.cfg.DB != nil {
		cli.Store = NewDBSyncStore(c.cfg.DB)
	}
	return cli, nil
}

// Session returns a logged-in mautrix client for the identity, logging in on
// first use and caching the token in-process.
func (c *Client) Session(ctx context.Context, as Identity) (*mautrix.Client, error) {
	c.mu.RLock()
	cli, ok := c.sessions[as.Username]
	c.mu.RUnlock()
	if ok {
		return cli, nil
	}
	return c.login(ctx, as)
}

// login performs a password login and caches the resulting session.
func (c *Client) login(ctx context.Context, as Identity) (*mautrix.Client, error) {
	cli, err := c.newRawClient()
	if err != nil {
		return nil, err
	}
	_, err = cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: as.Username,
		},
		Password:                 as.Password,
		InitialDeviceDisplayName: "lettabridge",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", as.Username, err)
	}

	c.mu.Lock()
	c.sessions[as.Username] = cli
	c.mu.Unlock()

	slog.Debug("matrix session established", "user", as.Username)
	return cli, nil
}

// Invalidate drops the cached session for a username.
func (c *Client) Invalidate(username string) {
	c.mu.Lock()
	delete(c.sessions, username)
	c.mu.Unlock()
}

// withSession runs fn with a logged-in session. On an auth error the cached
// token is invalidated and fn is retried once against a fresh login; a
// second auth failure surfaces.
func (c *Client) withSession(ctx context.Context, as Identity, fn func(*mautrix.Client) error) error {
	cli, err := c.Session(ctx, as)
	if err != nil {
		return err
	}
	err = fn(cli)
	if err == nil || !IsAuthError(err) {
		return err
	}

	slog.Warn("matrix token rejected, relogging in", "user", as.Username)
	c.Invalidate(as.Username)
	cli, loginErr := c.login(ctx, as)
	if loginErr != nil {
		return fmt.Errorf("relogin after 401: %w", loginErr)
	}
	return fn(cli)
}

// Login verifies the identity's credentials by establishing (and caching) a
// session.
func (c *Client) Login(ctx context.Context, as Identity) error {
	_, err := c.Session(ctx, as)
	return err
}

// RegisterUser creates a Matrix account via the dummy-auth registration
// flow. An existing account (M_USER_IN_USE) is treated as success: the
// bridge assumes ownership and will log in with the stored password.
func (c *Client) RegisterUser(ctx context.Context, username, password, displayName string) error {
	cli, err := c.newRawClient()
	if err != nil {
		return err
	}
	_, err = cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
		InhibitLogin:             true,
	})
	if err != nil {
		if IsUserInUse(err) {
			slog.Debug("matrix user already registered", "user", username)
			return nil
		}
		return fmt.Errorf("register %s: %w", username, err)
	}
	slog.Info("matrix user registered", "user", username)
	return nil
}

// CreateRoomReq describes a room to create.
type CreateRoomReq struct {
	Name    string
	Topic   string
	Invite  []id.UserID
	IsSpace bool
}

// CreateRoom creates a private room (or a space when IsSpace is set) as the
// given identity. Guest access is forbidden via initial state.
func (c *Client) CreateRoom(ctx context.Context, as Identity, req CreateRoomReq) (id.RoomID, error) {
	createReq := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       req.Name,
		Topic:      req.Topic,
		Invite:     req.Invite,
		InitialState: []*event.Event{{
			Type: event.StateGuestAccess,
			Content: event.Content{
				Parsed: &event.GuestAccessEventContent{GuestAccess: event.GuestAccessForbidden},
			},
		}},
	}
	if req.IsSpace {
		createReq.CreationContent = map[string]any{"type": "m.space"}
	}

	var roomID id.RoomID
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		resp, err := cli.CreateRoom(ctx, createReq)
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create room %q as %s: %w", req.Name, as.Username, err)
	}
	return roomID, nil
}

// SendMessage sends an m.room.message event with the caller-chosen
// transaction ID. extra keys (e.g. inter-agent metadata) are merged into the
// event content.
func (c *Client) SendMessage(ctx context.Context, as Identity, roomID id.RoomID, body string, extra map[string]any, txnID string) (id.EventID, error) {
	content := event.Content{
		Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		},
		Raw: extra,
	}

	var eventID id.EventID
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, &content,
			mautrix.ReqSendEvent{TransactionID: txnID})
		if err != nil {
			return err
		}
		eventID = resp.EventID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("send to %s as %s: %w", roomID, as.Username, err)
	}
	return eventID, nil
}

// SetRoomName updates the m.room.name state event.
func (c *Client) SetRoomName(ctx context.Context, as Identity, roomID id.RoomID, name string) error {
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		_, err := cli.SendStateEvent(ctx, roomID, event.StateRoomName, "",
			&event.RoomNameEventContent{Name: name})
		return err
	})
	if err != nil {
		return fmt.Errorf("set name of %s: %w", roomID, err)
	}
	return nil
}

// SetDisplayName updates the identity's own profile display name.
func (c *Client) SetDisplayName(ctx context.Context, as Identity, name string) error {
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		return cli.SetDisplayName(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("set display name of %s: %w", as.Username, err)
	}
	return nil
}

// JoinRoom joins the room as the identity. Already being a member is success.
func (c *Client) JoinRoom(ctx context.Context, as Identity, roomID id.RoomID) error {
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		_, err := cli.JoinRoomByID(ctx, roomID)
		return err
	})
	if err != nil && IsAlreadyInRoom(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("join %s as %s: %w", roomID, as.Username, err)
	}
	return nil
}

// InviteUser invites userID into the room. An invitee who already joined is
// success.
func (c *Client) InviteUser(ctx context.Context, as Identity, roomID id.RoomID, userID id.UserID) error {
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		_, err := cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
	if err != nil && IsAlreadyInRoom(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// JoinedRooms lists the rooms the identity has joined.
func (c *Client) JoinedRooms(ctx context.Context, as Identity) ([]id.RoomID, error) {
	var rooms []id.RoomID
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		resp, err := cli.JoinedRooms(ctx)
		if err != nil {
			return err
		}
		rooms = resp.JoinedRooms
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("joined rooms of %s: %w", as.Username, err)
	}
	return rooms, nil
}

// RoomState fetches the full state of a room.
func (c *Client) RoomState(ctx context.Context, as Identity, roomID id.RoomID) (mautrix.RoomStateMap, error) {
	var state mautrix.RoomStateMap
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		s, err := cli.State(ctx, roomID)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state of %s: %w", roomID, err)
	}
	return state, nil
}

// RoomName reads the m.room.name state event of a room, returning "" when
// the room has no name.
func (c *Client) RoomName(ctx context.Context, as Identity, roomID id.RoomID) (string, error) {
	var name string
	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		var content event.RoomNameEventContent
		err := cli.StateEvent(ctx, roomID, event.StateRoomName, "", &content)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		name = content.Name
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("name of %s: %w", roomID, err)
	}
	return name, nil
}

// AddRoomToSpace binds a room under the agents space: the m.space.child edge
// on the space first, then the m.space.parent edge on the room. Both edges
// are plain state events, so re-setting them is idempotent.
func (c *Client) AddRoomToSpace(ctx context.Context, as Identity, spaceID, roomID id.RoomID) error {
	via := []string{c.cfg.ServerName}

	err := c.withSession(ctx, as, func(cli *mautrix.Client) error {
		_, err := cli.SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(),
			&event.SpaceChildEventContent{Via: via, Suggested: false})
		return err
	})
	if err != nil {
		return fmt.Errorf("set space child %s -> %s: %w", spaceID, roomID, err)
	}

	err = c.withSession(ctx, as, func(cli *mautrix.Client) error {
		_, err := cli.SendStateEvent(ctx, roomID, event.StateSpaceParent, spaceID.String(),
			&event.SpaceParentEventContent{Via: via, Canonical: true})
		return err
	})
	if err != nil {
		return fmt.Errorf("set space parent %s -> %s: %w", roomID, spaceID, err)
	}
	return nil
}
