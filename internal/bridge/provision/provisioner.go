// Package provision reconciles the set of Letta agents against Matrix:
// every agent gets a Matrix account, a dedicated room under the agents
// space, and invitations for the configured core users. Each cycle is
// idempotent — a cycle over an already-converged deployment performs no
// writes beyond bookkeeping.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/config"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/letta"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
)

// spaceName is the display name of the top-level agents space.
const spaceName = "Letta Agents"

// devPassword is the fixed agent password used when dev mode is enabled.
const devPassword = "password"

// MatrixClient is the slice of the Matrix wrapper the provisioner uses.
type MatrixClient interface {
	UserID(localpart string) id.UserID
	Login(ctx context.Context, as matrix.Identity) error
	RegisterUser(ctx context.Context, username, password, displayName string) error
	CreateRoom(ctx context.Context, as matrix.Identity, req matrix.CreateRoomReq) (id.RoomID, error)
	SetRoomName(ctx context.Context, as matrix.Identity, roomID id.RoomID, name string) error
	SetDisplayName(ctx context.Context, as matrix.Identity, name string) error
	JoinRoom(ctx context.Context, as matrix.Identity, roomID id.RoomID) error
	InviteUser(ctx context.Context, as matrix.Identity, roomID id.RoomID, userID id.UserID) error
	JoinedRooms(ctx context.Context, as matrix.Identity) ([]id.RoomID, error)
	RoomName(ctx context.Context, as matrix.Identity, roomID id.RoomID) (string, error)
	AddRoomToSpace(ctx context.Context, as matrix.Identity, spaceID, roomID id.RoomID) error
}

// AgentLister enumerates Letta agents.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]letta.Agent, error)
}

// Store is the slice of the persistence layer the provisioner uses.
type Store interface {
	GetMapping(ctx context.Context, agentID string) (*store.Mapping, error)
	UpsertMapping(ctx context.Context, m *store.Mapping) error
	AllMappings(ctx context.Context) ([]*store.Mapping, error)
	GetSpace(ctx context.Context) (*store.SpaceConfig, error)
	SetSpace(ctx context.Context, spaceID string) error
}

// Config holds provisioner configuration.
type Config struct {
	// Admin is the homeserver admin identity. It creates the space and
	// performs rename remediation.
	Admin matrix.Identity
	// CoreUsers are invited into every agent room. The admin and letta bot
	// are always among them.
	CoreUsers []config.CoreUser
	// DevMode switches agent password generation to a fixed value so local
	// deployments can log in as agents by hand.
	DevMode bool
}

// Stats summarizes one provisioning cycle.
type Stats struct {
	AgentsSeen   int
	UsersCreated int
	RoomsCreated int
	Renames      int
	Orphans      int
	Errors       int
}

// Provisioner drives the agent reconciliation cycle.
type Provisioner struct {
	cfg    Config
	matrix MatrixClient
	letta  AgentLister
	store  Store
}

// New creates a Provisioner.
func New(cfg Config, mx MatrixClient, ag AgentLister, st Store) *Provisioner {
	return &Provisioner{cfg: cfg, matrix: mx, letta: ag, store: st}
}

// Run executes one full provisioning cycle. Per-agent failures are counted
// and logged but never abort the cycle; only listing failures and space
// bootstrap failures do, since nothing can proceed without them.
func (p *Provisioner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	spaceID, err := p.ensureSpace(ctx)
	if err != nil {
		return stats, fmt.Errorf("ensure space: %w", err)
	}

	p.checkCoreUsers(ctx)

	agents, err := p.letta.ListAgents(ctx)
	if err != nil {
		return stats, fmt.Errorf("list agents: %w", err)
	}
	stats.AgentsSeen = len(agents)

	live := make(map[string]struct{}, len(agents))
	for _, agent := range agents {
		live[agent.ID] = struct{}{}
		if err := p.provisionAgent(ctx, spaceID, agent, &stats); err != nil {
			stats.Errors++
			slog.Error("agent provisioning failed",
				"agent_id", agent.ID, "agent_name", agent.Name, "error", err)
		}
	}

	p.reportOrphans(ctx, live, &stats)
	return stats, nil
}

// ensureSpace returns the agents space, creating it on first run. The space
// is created exactly once and reused forever.
func (p *Provisioner) ensureSpace(ctx context.Context) (id.RoomID, error) {
	sc, err := p.store.GetSpace(ctx)
	if err != nil {
		return "", err
	}
	if sc != nil {
		return id.RoomID(sc.SpaceID), nil
	}

	invites := make([]id.UserID, 0, len(p.cfg.CoreUsers))
	for _, u := range p.cfg.CoreUsers {
		if u.Username == p.cfg.Admin.Username {
			continue
		}
		invites = append(invites, p.matrix.UserID(u.Username))
	}

	spaceID, err := p.matrix.CreateRoom(ctx, p.cfg.Admin, matrix.CreateRoomReq{
		Name:    spaceName,
		Topic:   "Rooms for chatting with Letta agents",
		Invite:  invites,
		IsSpace: true,
	})
	if err != nil {
		return "", err
	}
	if err := p.store.SetSpace(ctx, spaceID.String()); err != nil {
		return "", err
	}

	// SetSpace keeps the first writer's row, so re-read in case a
	// concurrent cycle won the race.
	sc, err = p.store.GetSpace(ctx)
	if err != nil {
		return "", err
	}
	slog.Info("agents space ready", "space_id", sc.SpaceID)
	return id.RoomID(sc.SpaceID), nil
}

// checkCoreUsers verifies each core user's credentials. Failures are
// reported but never block provisioning: core users are operator accounts
// and the operator fixes them out of band.
func (p *Provisioner) checkCoreUsers(ctx context.Context) {
	for _, u := range p.cfg.CoreUsers {
		ident := matrix.Identity{Username: u.Username, Password: u.Password}
		if err := p.matrix.Login(ctx, ident); err != nil {
			slog.Warn("core user login check failed", "user", u.Username, "error", err)
		}
	}
}

// provisionAgent converges a single agent: account, display name, room,
// space membership, invitations, and rename propagation.
func (p *Provisioner) provisionAgent(ctx context.Context, spaceID id.RoomID, agent letta.Agent, stats *Stats) error {
	m, err := p.store.GetMapping(ctx, agent.ID)
	if err != nil {
		return err
	}
	var prev *store.Mapping
	if m == nil {
		m = &store.Mapping{
			AgentID:          agent.ID,
			AgentName:        agent.Name,
			MatrixUserID:     p.matrix.UserID(DeriveUsername(agent.ID)).String(),
			MatrixPassword:   p.generatePassword(),
			InvitationStatus: map[string]string{},
		}
	} else {
		prev = snapshotMapping(m)
	}
	renamed := m.AgentName != agent.Name
	m.AgentName = agent.Name

	ident := matrix.Identity{
		Username: DeriveUsername(agent.ID),
		Password: m.MatrixPassword,
	}

	if !m.Created {
		if err := p.matrix.RegisterUser(ctx, ident.Username, ident.Password, agent.Name); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		m.Created = true
		stats.UsersCreated++
		if err := p.matrix.SetDisplayName(ctx, ident, agent.Name); err != nil {
			slog.Warn("set display name failed", "agent_id", agent.ID, "error", err)
		}
	}

	if !m.RoomCreated || m.RoomID == "" {
		if err := p.ensureRoom(ctx, spaceID, agent, ident, m, stats); err != nil {
			// Persist account-level progress even when the room step fails.
			if upErr := p.store.UpsertMapping(ctx, m); upErr != nil {
				slog.Error("persist mapping failed", "agent_id", agent.ID, "error", upErr)
			}
			return fmt.Errorf("ensure room: %w", err)
		}
	}

	p.ensureInvites(ctx, ident, m)

	if renamed && m.RoomID != "" {
		if err := p.propagateRename(ctx, ident, m, agent.Name); err != nil {
			slog.Warn("rename propagation failed",
				"agent_id", agent.ID, "room_id", m.RoomID, "error", err)
		} else {
			stats.Renames++
		}
	}

	// A converged mapping skips the write so back-to-back cycles over an
	// unchanged fleet mutate no rows.
	if prev != nil && !mappingChanged(prev, m) {
		return nil
	}
	return p.store.UpsertMapping(ctx, m)
}

// snapshotMapping copies the fields a cycle may mutate.
func snapshotMapping(m *store.Mapping) *store.Mapping {
	cp := *m
	cp.InvitationStatus = maps.Clone(m.InvitationStatus)
	return &cp
}

func mappingChanged(prev, cur *store.Mapping) bool {
	return prev.AgentName != cur.AgentName ||
		prev.MatrixUserID != cur.MatrixUserID ||
		prev.MatrixPassword != cur.MatrixPassword ||
		prev.RoomID != cur.RoomID ||
		prev.Created != cur.Created ||
		prev.RoomCreated != cur.RoomCreated ||
		!maps.Equal(prev.InvitationStatus, cur.InvitationStatus)
}

// ensureRoom creates the agent's room, or adopts one found by the drift
// healer. The agent creates its own room, so membership is implicit.
func (p *Provisioner) ensureRoom(ctx context.Context, spaceID id.RoomID, agent letta.Agent, ident matrix.Identity, m *store.Mapping, stats *Stats) error {
	if m.RoomID == "" {
		if adopted := p.adoptExistingRoom(ctx, ident, agent.Name); adopted != "" {
			slog.Info("adopted existing agent room",
				"agent_id", agent.ID, "room_id", adopted)
			m.RoomID = adopted.String()
		}
	}

	if m.RoomID == "" {
		roomID, err := p.matrix.CreateRoom(ctx, ident, matrix.CreateRoomReq{
			Name:  RoomName(agent.Name),
			Topic: "Direct chat with Letta agent " + agent.Name,
		})
		if err != nil {
			return err
		}
		m.RoomID = roomID.String()
		stats.RoomsCreated++
		slog.Info("agent room created",
			"agent_id", agent.ID, "room_id", roomID, "name", RoomName(agent.Name))
	} else {
		// Adopted or previously-known room: the agent may not be a member.
		if err := p.matrix.JoinRoom(ctx, ident, id.RoomID(m.RoomID)); err != nil {
			return err
		}
	}

	if err := p.matrix.AddRoomToSpace(ctx, p.cfg.Admin, spaceID, id.RoomID(m.RoomID)); err != nil {
		slog.Warn("space binding failed",
			"agent_id", agent.ID, "room_id", m.RoomID, "error", err)
	}

	m.RoomCreated = true
	return nil
}

// adoptExistingRoom scans the agent's joined rooms for one carrying the
// agent-chat name, so a lost database row does not spawn a duplicate room.
func (p *Provisioner) adoptExistingRoom(ctx context.Context, ident matrix.Identity, agentName string) id.RoomID {
	rooms, err := p.matrix.JoinedRooms(ctx, ident)
	if err != nil {
		return ""
	}
	for _, roomID := range rooms {
		name, err := p.matrix.RoomName(ctx, ident, roomID)
		if err != nil {
			continue
		}
		if base, ok := AgentNameFromRoom(name); ok && base == agentName {
			return roomID
		}
	}
	return ""
}

// ensureInvites converges core-user membership in the agent's room: invite
// as the agent, then accept as the core user. The join half matters most —
// an account stuck in the invited state receives no timeline for the room
// over /sync, so the letta bot would never see a single message. Failures
// at either step are marked and retried on the next cycle.
func (p *Provisioner) ensureInvites(ctx context.Context, ident matrix.Identity, m *store.Mapping) {
	if m.RoomID == "" {
		return
	}
	if m.InvitationStatus == nil {
		m.InvitationStatus = map[string]string{}
	}
	roomID := id.RoomID(m.RoomID)
	for _, u := range p.cfg.CoreUsers {
		if m.InvitationStatus[u.Username] == store.InviteJoined {
			continue
		}
		if m.InvitationStatus[u.Username] != store.InviteInvited {
			err := p.matrix.InviteUser(ctx, ident, roomID, p.matrix.UserID(u.Username))
			if err != nil {
				m.InvitationStatus[u.Username] = store.InviteFailed
				slog.Warn("core user invite failed",
					"agent_id", m.AgentID, "user", u.Username, "error", err)
				continue
			}
			m.InvitationStatus[u.Username] = store.InviteInvited
		}
		coreIdent := matrix.Identity{Username: u.Username, Password: u.Password}
		if err := p.matrix.JoinRoom(ctx, coreIdent, roomID); err != nil {
			slog.Warn("core user join failed",
				"agent_id", m.AgentID, "user", u.Username, "error", err)
			continue
		}
		m.InvitationStatus[u.Username] = store.InviteJoined
	}
}

// propagateRename renames the agent's room and refreshes the display name.
// When the agent lacks power to rename (it adopted a room it did not
// create), the admin joins and renames instead, once.
func (p *Provisioner) propagateRename(ctx context.Context, ident matrix.Identity, m *store.Mapping, newName string) error {
	roomID := id.RoomID(m.RoomID)

	if err := p.matrix.SetDisplayName(ctx, ident, newName); err != nil {
		slog.Warn("display name refresh failed", "agent_id", m.AgentID, "error", err)
	}

	err := p.matrix.SetRoomName(ctx, ident, roomID, RoomName(newName))
	if err == nil {
		return nil
	}
	if !matrix.IsForbidden(err) {
		return err
	}

	if joinErr := p.matrix.JoinRoom(ctx, p.cfg.Admin, roomID); joinErr != nil {
		return fmt.Errorf("admin join for rename: %w", joinErr)
	}
	return p.matrix.SetRoomName(ctx, p.cfg.Admin, roomID, RoomName(newName))
}

// reportOrphans logs mappings whose agents no longer exist in Letta. The
// bridge never deletes Matrix users or rooms: operators decide what to do
// with the history.
func (p *Provisioner) reportOrphans(ctx context.Context, live map[string]struct{}, stats *Stats) {
	mappings, err := p.store.AllMappings(ctx)
	if err != nil {
		slog.Error("orphan scan failed", "error", err)
		return
	}
	for _, m := range mappings {
		if _, ok := live[m.AgentID]; ok {
			continue
		}
		stats.Orphans++
		slog.Info("orphaned agent mapping",
			"agent_id", m.AgentID, "agent_name", m.AgentName, "room_id", m.RoomID)
	}
}

// generatePassword returns an agent account password: fixed in dev mode,
// 32 random bytes hex-encoded otherwise.
func (p *Provisioner) generatePassword() string {
	if p.cfg.DevMode {
		return devPassword
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
