package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/letta"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/provision"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
)

// --- fakes ---

type fakeMappings struct {
	byRoom  map[string]*store.Mapping
	byAgent map[string]*store.Mapping
}

func newFakeMappings(mappings ...*store.Mapping) *fakeMappings {
	f := &fakeMappings{byRoom: map[string]*store.Mapping{}, byAgent: map[string]*store.Mapping{}}
	for _, m := range mappings {
		f.byAgent[m.AgentID] = m
		if m.RoomID != "" {
			f.byRoom[m.RoomID] = m
		}
	}
	return f
}

func (f *fakeMappings) GetMappingByRoom(ctx context.Context, roomID string) (*store.Mapping, error) {
	return f.byRoom[roomID], nil
}

func (f *fakeMappings) GetMapping(ctx context.Context, agentID string) (*store.Mapping, error) {
	return f.byAgent[agentID], nil
}

type lettaCall struct {
	AgentID string
	Text    string
}

type fakeLettaSender struct {
	mu      sync.Mutex
	calls   []lettaCall
	replies map[string]string
	err     error
	done    chan struct{}
}

func newFakeLettaSender() *fakeLettaSender {
	return &fakeLettaSender{replies: map[string]string{}, done: make(chan struct{}, 64)}
}

func (f *fakeLettaSender) SendMessage(ctx context.Context, agentID, text string, metadata map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, lettaCall{AgentID: agentID, Text: text})
	f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	if f.err != nil {
		return "", f.err
	}
	return f.replies[agentID], nil
}

func (f *fakeLettaSender) callsSnapshot() []lettaCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lettaCall(nil), f.calls...)
}

type matrixSend struct {
	As     matrix.Identity
	RoomID id.RoomID
	Body   string
	Extra  map[string]any
	TxnID  string
}

type fakeMatrixSender struct {
	mu    sync.Mutex
	sends []matrixSend
	err   error
}

func (f *fakeMatrixSender) SendMessage(ctx context.Context, as matrix.Identity, roomID id.RoomID, body string, extra map[string]any, txnID string) (id.EventID, error) {
	f.mu.Lock()
	f.sends = append(f.sends, matrixSend{As: as, RoomID: roomID, Body: body, Extra: extra, TxnID: txnID})
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return id.EventID(fmt.Sprintf("$sent-%d", len(f.sends))), nil
}

func (f *fakeMatrixSender) sendsSnapshot() []matrixSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]matrixSend(nil), f.sends...)
}

func testMapping(agentID, roomID string) *store.Mapping {
	return &store.Mapping{
		AgentID:        agentID,
		AgentName:      "Agent " + agentID,
		MatrixUserID:   "@" + provision.DeriveUsername(agentID) + ":matrix.test",
		MatrixPassword: "pw-" + agentID,
		RoomID:         roomID,
		Created:        true,
		RoomCreated:    true,
	}
}

func waitCalls(t *testing.T, ls *fakeLettaSender, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ls.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for letta call %d of %d", i+1, n)
		}
	}
}

// --- tests ---

func TestRouteToMappedAgentAndReplyAsAgent(t *testing.T) {
	m := testMapping("abc-123", "!room:matrix.test")
	ls := newFakeLettaSender()
	ls.replies["abc-123"] = "hello back"
	mx := &fakeMatrixSender{}

	r := New(newFakeMappings(m), ls, mx, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	err := r.Enqueue(ctx, Message{
		RoomID:  "!room:matrix.test",
		EventID: "$evt1",
		Sender:  "@human:matrix.test",
		Body:    "hi agent",
		Raw:     map[string]any{},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitCalls(t, ls, 1)
	cancel()
	r.Wait()

	calls := ls.callsSnapshot()
	if len(calls) != 1 || calls[0].AgentID != "abc-123" || calls[0].Text != "hi agent" {
		t.Fatalf("letta calls = %+v", calls)
	}

	sends := mx.sendsSnapshot()
	if len(sends) != 1 {
		t.Fatalf("matrix sends = %+v", sends)
	}
	// The reply must come from the agent's own identity, never a shared bot.
	if sends[0].As.Username != provision.DeriveUsername("abc-123") {
		t.Errorf("reply identity = %q", sends[0].As.Username)
	}
	if sends[0].As.Password != "pw-abc-123" {
		t.Errorf("reply credential mismatch")
	}
	if sends[0].Body != "hello back" {
		t.Errorf("reply body = %q", sends[0].Body)
	}
	if sends[0].TxnID == "" {
		t.Error("reply sent without transaction ID")
	}
}

func TestUnmappedRoomDropped(t *testing.T) {
	ls := newFakeLettaSender()
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(), ls, mx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(ctx, Message{RoomID: "!unknown:matrix.test", EventID: "$e", Body: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	r.Wait()

	if got := len(ls.callsSnapshot()); got != 0 {
		t.Errorf("letta called %d times for unmapped room", got)
	}
	if got := len(mx.sendsSnapshot()); got != 0 {
		t.Errorf("matrix sends = %d for unmapped room", got)
	}
}

func TestRoutingByRoomNotByName(t *testing.T) {
	// Many agents, deliberately similar names. The event must reach exactly
	// the agent owning the room, resolved by room ID alone.
	var mappings []*store.Mapping
	for i := 0; i < 56; i++ {
		mappings = append(mappings, testMapping(
			fmt.Sprintf("agent-%03d", i),
			fmt.Sprintf("!room-%03d:matrix.test", i)))
	}
	ls := newFakeLettaSender()
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(mappings...), ls, mx, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(ctx, Message{RoomID: "!room-037:matrix.test", EventID: "$e", Body: "ping"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitCalls(t, ls, 1)
	cancel()
	r.Wait()

	calls := ls.callsSnapshot()
	if len(calls) != 1 || calls[0].AgentID != "agent-037" {
		t.Fatalf("routed to %+v, want agent-037 exactly once", calls)
	}
}

func TestPerRoomOrdering(t *testing.T) {
	m := testMapping("abc-123", "!room:matrix.test")
	ls := newFakeLettaSender()
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(m), ls, mx, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	const n = 20
	for i := 0; i < n; i++ {
		err := r.Enqueue(ctx, Message{
			RoomID:  "!room:matrix.test",
			EventID: id.EventID(fmt.Sprintf("$evt%02d", i)),
			Body:    fmt.Sprintf("msg %02d", i),
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	waitCalls(t, ls, n)
	cancel()
	r.Wait()

	calls := ls.callsSnapshot()
	if len(calls) != n {
		t.Fatalf("got %d calls, want %d", len(calls), n)
	}
	for i, c := range calls {
		if want := fmt.Sprintf("msg %02d", i); c.Text != want {
			t.Fatalf("call %d = %q, want %q (room order violated)", i, c.Text, want)
		}
	}
}

func TestInterAgentPromptRewrite(t *testing.T) {
	m := testMapping("target-1", "!room:matrix.test")
	ls := newFakeLettaSender()
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(m), ls, mx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	raw := map[string]any{
		KeyFromAgentID:   "sender-9",
		KeyFromAgentName: "Scout",
		KeyType:          TypeAsyncInterAgent,
		KeyTrackingID:    "track-42",
	}
	err := r.Enqueue(ctx, Message{
		RoomID:  "!room:matrix.test",
		EventID: "$e",
		Body:    "status report please",
		Raw:     raw,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitCalls(t, ls, 1)
	cancel()
	r.Wait()

	calls := ls.callsSnapshot()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	got := calls[0].Text
	want := `[INTER-AGENT MESSAGE from Scout]

status report please

---
IMPORTANT: This is a message from another Letta agent (Scout, ID: sender-9).
To respond to Scout, use the 'matrix_agent_message_async' tool with:
- to_agent_id: "sender-9"
- message: your response`
	if got != want {
		t.Errorf("rewritten prompt:\n%s\nwant:\n%s", got, want)
	}
}

func TestEmptyReplyNotPosted(t *testing.T) {
	m := testMapping("abc-123", "!room:matrix.test")
	ls := newFakeLettaSender() // reply defaults to ""
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(m), ls, mx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(ctx, Message{RoomID: "!room:matrix.test", EventID: "$e", Body: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitCalls(t, ls, 1)
	cancel()
	r.Wait()

	if got := len(mx.sendsSnapshot()); got != 0 {
		t.Errorf("posted %d replies for empty agent output", got)
	}
}

func TestLettaFatalErrorDropsWithoutReply(t *testing.T) {
	m := testMapping("abc-123", "!room:matrix.test")
	ls := newFakeLettaSender()
	ls.err = &letta.Error{Kind: letta.KindFatal, Msg: "boom"}
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(m), ls, mx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if err := r.Enqueue(ctx, Message{RoomID: "!room:matrix.test", EventID: "$e", Body: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitCalls(t, ls, 1)
	cancel()
	r.Wait()

	// Fatal errors do not retry.
	if got := len(ls.callsSnapshot()); got != 1 {
		t.Errorf("letta called %d times, want 1", got)
	}
	if got := len(mx.sendsSnapshot()); got != 0 {
		t.Errorf("posted %d replies after failure", got)
	}
}

func TestDeliverInterAgent(t *testing.T) {
	from := testMapping("sender-9", "!sender-room:matrix.test")
	from.AgentName = "Scout"
	to := testMapping("target-1", "!target-room:matrix.test")
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(from, to), newFakeLettaSender(), mx, 1)

	trackingID, err := r.DeliverInterAgent(context.Background(), "sender-9", "target-1", "ping", "")
	if err != nil {
		t.Fatalf("DeliverInterAgent: %v", err)
	}
	if trackingID == "" {
		t.Error("empty tracking ID")
	}

	sends := mx.sendsSnapshot()
	if len(sends) != 1 {
		t.Fatalf("sends = %+v", sends)
	}
	s := sends[0]
	if s.RoomID != "!target-room:matrix.test" {
		t.Errorf("room = %s", s.RoomID)
	}
	if s.As.Username != provision.DeriveUsername("sender-9") {
		t.Errorf("sender identity = %q", s.As.Username)
	}
	if s.Extra[KeyFromAgentID] != "sender-9" || s.Extra[KeyFromAgentName] != "Scout" {
		t.Errorf("metadata = %v", s.Extra)
	}
	if s.Extra[KeyType] != TypeAsyncInterAgent {
		t.Errorf("type = %v", s.Extra[KeyType])
	}
	if s.Extra[KeyTrackingID] != trackingID {
		t.Errorf("tracking id mismatch: %v vs %s", s.Extra[KeyTrackingID], trackingID)
	}
}

func TestDeliverInterAgentUnknownTarget(t *testing.T) {
	from := testMapping("sender-9", "!sender-room:matrix.test")
	r := New(newFakeMappings(from), newFakeLettaSender(), &fakeMatrixSender{}, 1)

	_, err := r.DeliverInterAgent(context.Background(), "sender-9", "nope", "ping", "")
	if err == nil || !strings.Contains(err.Error(), "no room") {
		t.Fatalf("err = %v", err)
	}
}

func TestAgentOwnMessageNotRoutedBack(t *testing.T) {
	m := testMapping("abc-123", "!room:matrix.test")
	ls := newFakeLettaSender()
	mx := &fakeMatrixSender{}
	r := New(newFakeMappings(m), ls, mx, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	err := r.Enqueue(ctx, Message{
		RoomID:  "!room:matrix.test",
		EventID: "$e",
		Sender:  id.UserID(m.MatrixUserID),
		Body:    "my own reply",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	r.Wait()

	if got := len(ls.callsSnapshot()); got != 0 {
		t.Errorf("agent's own reply routed back %d times", got)
	}
}

func TestParseOrigin(t *testing.T) {
	if _, ok := ParseOrigin(map[string]any{"body": "plain"}); ok {
		t.Error("plain message parsed as inter-agent")
	}
	o, ok := ParseOrigin(map[string]any{KeyFromAgentID: "a1"})
	if !ok || o.AgentName != "a1" {
		t.Errorf("origin = %+v, ok = %v (name should fall back to ID)", o, ok)
	}
}

func TestIsHistorical(t *testing.T) {
	if !IsHistorical(map[string]any{KeyHistorical: true}) {
		t.Error("bool flag not detected")
	}
	if !IsHistorical(map[string]any{KeyHistorical: "true"}) {
		t.Error("string flag not detected")
	}
	if IsHistorical(map[string]any{}) {
		t.Error("missing flag detected")
	}
}
