// Package router forwards Matrix messages to Letta agents and posts replies
// back under the agent's own Matrix identity.
//
// Ordering: events are sharded onto workers by room ID, so messages within a
// room are processed in arrival order while distinct rooms proceed in
// parallel. A per-agent lock additionally serializes Letta calls for agents
// reachable through more than one room.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/Letta-Matrix-sub002/common/retry"
	"github.com/oculairmedia/Letta-Matrix-sub002/common/trace"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/letta"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/metrics"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/provision"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
)

// queueSize bounds each worker's backlog. A full queue blocks the ingress
// loop, which is the intended backpressure: the homeserver buffers sync
// responses far better than this process buffers goroutines.
const queueSize = 64

// Message is one inbound Matrix event, already past the ingress filters.
type Message struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  id.UserID
	Body    string
	// Raw is the full event content, carrying inter-agent metadata when
	// present.
	Raw map[string]any
}

// LettaSender delivers a message to an agent and returns its reply.
type LettaSender interface {
	SendMessage(ctx context.Context, agentID, text string, metadata map[string]any) (string, error)
}

// MatrixSender posts a message as a given identity.
type MatrixSender interface {
	SendMessage(ctx context.Context, as matrix.Identity, roomID id.RoomID, body string, extra map[string]any, txnID string) (id.EventID, error)
}

// MappingSource resolves rooms and agent IDs to mappings.
type MappingSource interface {
	GetMappingByRoom(ctx context.Context, roomID string) (*store.Mapping, error)
	GetMapping(ctx context.Context, agentID string) (*store.Mapping, error)
}

// Router is the worker pool between ingress and Letta.
type Router struct {
	store  MappingSource
	letta  LettaSender
	matrix MatrixSender

	queues []chan Message
	wg     sync.WaitGroup

	agentMu sync.Mutex
	agents  map[string]*sync.Mutex
}

// New creates a Router with the given number of workers.
func New(st MappingSource, ls LettaSender, mx MatrixSender, workers int) *Router {
	if workers <= 0 {
		workers = 1
	}
	queues := make([]chan Message, workers)
	for i := range queues {
		queues[i] = make(chan Message, queueSize)
	}
	return &Router{
		store:  st,
		letta:  ls,
		matrix: mx,
		queues: queues,
		agents: make(map[string]*sync.Mutex),
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	for i, q := range r.queues {
		r.wg.Add(1)
		go func(worker int, queue chan Message) {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-queue:
					r.handle(ctx, msg)
				}
			}
		}(i, q)
	}
}

// Wait blocks until all workers have exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Enqueue hands a message to the worker owning its room. Blocks when that
// worker's queue is full.
func (r *Router) Enqueue(ctx context.Context, msg Message) error {
	h := fnv.New32a()
	h.Write([]byte(msg.RoomID))
	shard := int(h.Sum32()) % len(r.queues)
	if shard < 0 {
		shard += len(r.queues)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.queues[shard] <- msg:
		return nil
	}
}

// lockAgent returns the held per-agent mutex; the caller unlocks it.
func (r *Router) lockAgent(agentID string) *sync.Mutex {
	r.agentMu.Lock()
	mu, ok := r.agents[agentID]
	if !ok {
		mu = &sync.Mutex{}
		r.agents[agentID] = mu
	}
	r.agentMu.Unlock()
	mu.Lock()
	return mu
}

// handle routes one message: resolve the room's agent, deliver to Letta,
// post the reply as the agent. Failures drop the message with a log line;
// there is no requeue and never a fallback identity.
func (r *Router) handle(ctx context.Context, msg Message) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	m, err := r.store.GetMappingByRoom(ctx, msg.RoomID.String())
	if err != nil {
		slog.Error("mapping lookup failed", "room_id", msg.RoomID, "error", err)
		metrics.EventsDropped.WithLabelValues("lookup_error").Inc()
		return
	}
	if m == nil {
		slog.Debug("message in unmapped room dropped",
			"room_id", msg.RoomID, "event_id", msg.EventID)
		metrics.EventsDropped.WithLabelValues("unmapped_room").Inc()
		return
	}

	// An agent's own messages in its room are its replies; routing them
	// back would loop forever.
	if msg.Sender.String() == m.MatrixUserID {
		metrics.EventsDropped.WithLabelValues("self_loop").Inc()
		return
	}

	mu := r.lockAgent(m.AgentID)
	defer mu.Unlock()

	prompt := msg.Body
	if origin, ok := ParseOrigin(msg.Raw); ok {
		prompt = RewritePrompt(origin, msg.Body)
		metrics.InterAgentMessages.Inc()
		slog.Info("inter-agent message routed",
			"from_agent", origin.AgentID, "to_agent", m.AgentID,
			"tracking_id", origin.TrackingID)
	}

	reply, err := r.callLetta(ctx, m.AgentID, prompt, msg)
	if err != nil {
		slog.Error("letta delivery failed",
			"trace_id", trace.FromContext(ctx),
			"agent_id", m.AgentID, "room_id", msg.RoomID,
			"event_id", msg.EventID, "error", err)
		metrics.EventsDropped.WithLabelValues("letta_error").Inc()
		return
	}
	metrics.EventsRouted.Inc()

	if reply == "" {
		return
	}
	if err := r.postReply(ctx, m, msg.RoomID, reply); err != nil {
		slog.Error("reply post failed",
			"agent_id", m.AgentID, "room_id", msg.RoomID, "error", err)
		return
	}
	metrics.RepliesSent.Inc()
}

// callLetta delivers the prompt with backoff on transient failures.
func (r *Router) callLetta(ctx context.Context, agentID, prompt string, msg Message) (string, error) {
	meta := map[string]any{
		"matrix_room_id":  msg.RoomID.String(),
		"matrix_event_id": msg.EventID.String(),
		"matrix_sender":   msg.Sender.String(),
	}

	var reply string
	cfg := retry.DefaultConfig
	cfg.ShouldRetry = letta.IsTransient
	err := retry.Do(ctx, cfg, func() error {
		var err error
		reply, err = r.letta.SendMessage(ctx, agentID, prompt, meta)
		return err
	})
	return reply, err
}

// postReply sends the agent's reply into the room as the agent itself. One
// transaction ID covers all attempts so homeserver-side dedupe absorbs
// retries without double posts.
func (r *Router) postReply(ctx context.Context, m *store.Mapping, roomID id.RoomID, reply string) error {
	ident := matrix.Identity{
		Username: provision.DeriveUsername(m.AgentID),
		Password: m.MatrixPassword,
	}
	txnID := matrix.NewTxnID()

	cfg := retry.DefaultConfig
	cfg.ShouldRetry = matrix.IsTransient
	return retry.Do(ctx, cfg, func() error {
		_, err := r.matrix.SendMessage(ctx, ident, roomID, reply, nil, txnID)
		return err
	})
}

// DeliverInterAgent mediates an agent-to-agent message: the sender's Matrix
// identity posts into the target agent's room with inter-agent metadata
// attached, and the normal ingress path relays it onward. Returns the
// tracking ID for the caller to correlate.
func (r *Router) DeliverInterAgent(ctx context.Context, fromAgentID, toAgentID, body, msgType string) (string, error) {
	if msgType == "" {
		msgType = TypeAsyncInterAgent
	}

	from, err := r.store.GetMapping(ctx, fromAgentID)
	if err != nil {
		return "", fmt.Errorf("resolve sender %s: %w", fromAgentID, err)
	}
	if from == nil {
		return "", fmt.Errorf("sender agent %s has no Matrix identity", fromAgentID)
	}
	to, err := r.store.GetMapping(ctx, toAgentID)
	if err != nil {
		return "", fmt.Errorf("resolve target %s: %w", toAgentID, err)
	}
	if to == nil || to.RoomID == "" {
		return "", fmt.Errorf("target agent %s has no room", toAgentID)
	}

	content, trackingID := BuildInterAgentContent(fromAgentID, from.AgentName, msgType)
	ident := matrix.Identity{
		Username: provision.DeriveUsername(fromAgentID),
		Password: from.MatrixPassword,
	}
	txnID := matrix.NewTxnID()

	cfg := retry.DefaultConfig
	cfg.ShouldRetry = matrix.IsTransient
	err = retry.Do(ctx, cfg, func() error {
		_, err := r.matrix.SendMessage(ctx, ident, id.RoomID(to.RoomID), body, content, txnID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("deliver to %s: %w", toAgentID, err)
	}

	slog.Info("inter-agent message posted",
		"from_agent", fromAgentID, "to_agent", toAgentID,
		"room_id", to.RoomID, "tracking_id", trackingID)
	return trackingID, nil
}
