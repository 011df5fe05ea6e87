package letta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListAgentsPaginates(t *testing.T) {
	// Two full pages then a short page. The cursor must be the last ID of
	// the previous page.
	var gotCursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotCursors = append(gotCursors, r.URL.Query().Get("after"))

		page := len(gotCursors) - 1
		var agents []Agent
		n := pageSize
		if page == 2 {
			n = 3
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("agent-%d-%d", page, i)
			agents = append(agents, Agent{ID: id, Name: "Agent " + id})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": agents})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}

	if want := 2*pageSize + 3; len(agents) != want {
		t.Fatalf("got %d agents, want %d", len(agents), want)
	}
	wantCursors := []string{"", fmt.Sprintf("agent-0-%d", pageSize-1), fmt.Sprintf("agent-1-%d", pageSize-1)}
	if len(gotCursors) != len(wantCursors) {
		t.Fatalf("got %d requests, want %d", len(gotCursors), len(wantCursors))
	}
	for i, want := range wantCursors {
		if gotCursors[i] != want {
			t.Errorf("request %d cursor = %q, want %q", i, gotCursors[i], want)
		}
	}
}

func TestListAgentsBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"a1","name":"One"},{"id":"a2","name":"Two"}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 || agents[0].ID != "a1" || agents[1].Name != "Two" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestListAgentsDedupesAcrossPages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		agents := make([]Agent, pageSize)
		for i := range agents {
			// Same IDs every page simulates a server that ignores the
			// cursor; the page cap stops the loop.
			agents[i] = Agent{ID: fmt.Sprintf("agent-%d", i)}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": agents})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != pageSize {
		t.Errorf("got %d agents, want %d after dedupe", len(agents), pageSize)
	}
	if calls != maxPages {
		t.Errorf("got %d requests, want page cap %d", calls, maxPages)
	}
}

func TestSendMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"messages":[
			{"message_type":"reasoning_message","content":"thinking"},
			{"message_type":"assistant_message","content":"Hello from the agent"}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", nil)
	reply, err := c.SendMessage(context.Background(), "agent-123", "hi there", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "Hello from the agent" {
		t.Errorf("reply = %q", reply)
	}
	if gotPath != "/v1/agents/agent-123/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("request messages = %v", gotBody["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "hi there" {
		t.Errorf("request message = %v", first)
	}
}

func TestSendMessageTypedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"role":"assistant","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	reply, err := c.SendMessage(context.Background(), "agent-1", "x", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "part one part two" {
		t.Errorf("reply = %q", reply)
	}
}

func TestSendMessageNoAssistantReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages":[{"message_type":"tool_call_message","content":"..."}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.SendMessage(context.Background(), "agent-1", "x", nil)
	if err == nil {
		t.Fatal("expected error for missing assistant message")
	}
	var le *Error
	if !errors.As(err, &le) || le.Kind != KindFatal {
		t.Errorf("error = %v, want fatal kind", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindFatal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := New(srv.URL, "", nil)
		_, err := c.SendMessage(context.Background(), "agent-1", "x", nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		var le *Error
		if !errors.As(err, &le) {
			t.Fatalf("status %d: error %v is not *letta.Error", tc.status, err)
		}
		if le.Kind != tc.want {
			t.Errorf("status %d: kind = %s, want %s", tc.status, le.Kind, tc.want)
		}
		if tc.want == KindTransient && !IsTransient(err) {
			t.Errorf("status %d: IsTransient = false", tc.status)
		}
	}
}

func TestSendMessageEmptyAgentID(t *testing.T) {
	c := New("http://unused.invalid", "", nil)
	_, err := c.SendMessage(context.Background(), "", "x", nil)
	if err == nil || !strings.Contains(err.Error(), "agent id") {
		t.Fatalf("err = %v", err)
	}
}
