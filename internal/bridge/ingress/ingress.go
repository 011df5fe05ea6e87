// Package ingress runs the Matrix /sync loop as the letta bot and feeds
// message events into the router.
//
// The loop is the bridge's only event source. Everything it emits has
// already passed the filter chain: live (not pre-startup), not sent by the
// bot itself, not flagged as imported history, and not a duplicate delivery.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/metrics"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/router"
)

// Reconnect backoff bounds for the sync loop.
const (
	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Minute
)

// syncTimeout is the /sync long-poll duration. Short polls keep shutdown
// and reconnect responsive; mautrix's built-in loop pins this at 30s, which
// is why the request loop below is driven by hand.
const syncTimeout = 5 * time.Second

// syncTimelineLimit caps the timeline slice per room in each /sync response
// so a gappy reconnect cannot dump unbounded history on the filter chain.
const syncTimelineLimit = 50

// DedupeStore is the slice of the store the ingress loop needs.
type DedupeStore interface {
	IsDuplicateEvent(ctx context.Context, eventID string) (bool, error)
}

// Sink receives filtered messages. Enqueue may block; that is the
// backpressure path.
type Sink interface {
	Enqueue(ctx context.Context, msg router.Message) error
}

// Ingress owns the sync loop.
type Ingress struct {
	client *matrix.Client
	bot    matrix.Identity
	store  DedupeStore
	sink   Sink

	// startupTS is the cutoff: events stamped before it are history from
	// before this process started and are never routed.
	startupTS int64
}

// New creates an Ingress. The startup cutoff is taken at construction time.
func New(client *matrix.Client, bot matrix.Identity, st DedupeStore, sink Sink) *Ingress {
	return &Ingress{
		client:    client,
		bot:       bot,
		store:     st,
		sink:      sink,
		startupTS: time.Now().UnixMilli(),
	}
}

// Run syncs until ctx is cancelled, reconnecting with capped exponential
// backoff. A rejected token invalidates the cached session so the next
// iteration logs in fresh.
func (i *Ingress) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		session, err := i.client.Session(ctx, i.bot)
		if err != nil {
			slog.Error("sync login failed", "user", i.bot.Username, "error", err)
		} else {
			i.attachHandlers(session)
			started := time.Now()
			err = i.sync(ctx, session)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sync loop exited", "user", i.bot.Username, "error", err)
			if matrix.IsAuthError(err) {
				i.client.Invalidate(i.bot.Username)
			}
			// A long healthy run resets the backoff.
			if time.Since(started) > time.Minute {
				backoff = reconnectMin
			}
		}

		slog.Info("sync reconnect scheduled", "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// attachHandlers wires the message handler onto the session's syncer.
// DontProcessOldEvents suppresses the initial-sync backlog; the timestamp cutoff
// in handleEvent covers gappy syncs after reconnects.
func (i *Ingress) attachHandlers(session *mautrix.Client) {
	syncer, ok := session.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return
	}
	syncer.FilterJSON = &mautrix.Filter{
		Room: &mautrix.RoomFilter{
			Timeline: &mautrix.FilterPart{Limit: syncTimelineLimit},
		},
	}
	syncer.OnSync(session.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, i.handleEvent)
}

// sync long-polls /sync until the context ends or a request fails. The
// filter is created once per account and its ID persisted through the
// session's SyncStore, so restarts reuse it.
func (i *Ingress) sync(ctx context.Context, cli *mautrix.Client) error {
	filterID, err := cli.Store.LoadFilterID(ctx, cli.UserID)
	if err != nil {
		return err
	}
	if filterID == "" {
		resp, err := cli.CreateFilter(ctx, cli.Syncer.GetFilterJSON(cli.UserID))
		if err != nil {
			return fmt.Errorf("create sync filter: %w", err)
		}
		filterID = resp.FilterID
		if err := cli.Store.SaveFilterID(ctx, cli.UserID, filterID); err != nil {
			return err
		}
	}

	since, err := cli.Store.LoadNextBatch(ctx, cli.UserID)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The very first sync returns the initial snapshot immediately.
		timeout := int(syncTimeout.Milliseconds())
		if since == "" {
			timeout = 0
		}
		resp, err := cli.FullSyncRequest(ctx, mautrix.ReqSync{
			Timeout:  timeout,
			Since:    since,
			FilterID: filterID,
		})
		if err != nil {
			return err
		}
		// Save the token before processing so a poisonous event cannot wedge
		// the loop on the same response forever.
		if err := cli.Store.SaveNextBatch(ctx, cli.UserID, resp.NextBatch); err != nil {
			return err
		}
		if err := cli.Syncer.ProcessResponse(ctx, resp, since); err != nil {
			return err
		}
		since = resp.NextBatch
	}
}

// handleEvent applies the filter chain and hands surviving events to the
// sink. Exported-path behavior is covered by tests calling it directly.
func (i *Ingress) handleEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	if evt.Timestamp < i.startupTS {
		metrics.EventsDropped.WithLabelValues("pre_startup").Inc()
		return
	}
	if evt.Sender == i.client.UserID(i.bot.Username) {
		return
	}
	raw := evt.Content.Raw
	if router.IsHistorical(raw) {
		metrics.EventsDropped.WithLabelValues("historical").Inc()
		return
	}

	dup, err := i.store.IsDuplicateEvent(ctx, evt.ID.String())
	if err != nil {
		slog.Error("dedupe check failed", "event_id", evt.ID, "error", err)
		metrics.EventsDropped.WithLabelValues("dedupe_error").Inc()
		return
	}
	if dup {
		metrics.EventsDeduped.Inc()
		return
	}

	msg := router.Message{
		RoomID:  evt.RoomID,
		EventID: evt.ID,
		Sender:  evt.Sender,
		Body:    content.Body,
		Raw:     raw,
	}
	if err := i.sink.Enqueue(ctx, msg); err != nil {
		// The dedupe row already exists, so this event will not be retried;
		// the ID is logged for operator replay.
		slog.Warn("enqueue failed, dropping processed event",
			"event_id", evt.ID, "room_id", evt.RoomID, "error", err)
		metrics.EventsDropped.WithLabelValues("enqueue_error").Inc()
	}
}
