package server

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/pkg/models"
)

func dialStream(t *testing.T, f *serverFixture, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/stream"
	if session != "" {
		url += "?session=" + session
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) streamEvent {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var evt streamEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func sendContent(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	if err := conn.WriteJSON(clientFrame{Content: content}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestStreamAnnouncesSession(t *testing.T) {
	f := newFixture(t, completedAgent("ok"))
	conn := dialStream(t, f, "sess-42")

	evt := readEvent(t, conn)
	if evt.Type != eventSession || evt.SessionID != "sess-42" {
		t.Errorf("first event = %+v", evt)
	}
	if evt.Seq != 1 {
		t.Errorf("first seq = %d", evt.Seq)
	}
}

func TestStreamAssignsSession(t *testing.T) {
	f := newFixture(t, completedAgent("ok"))
	conn := dialStream(t, f, "")

	evt := readEvent(t, conn)
	if evt.Type != eventSession || evt.SessionID == "" {
		t.Errorf("first event = %+v", evt)
	}
}

func TestStreamDeliversChunks(t *testing.T) {
	fake := completedAgent("Hello")
	fake.chunks = []providers.StreamChunk{
		{Text: "Hel"},
		{Text: "lo"},
		{Done: true},
	}
	f := newFixture(t, fake)
	conn := dialStream(t, f, "sess-1")
	readEvent(t, conn) // session announcement

	sendContent(t, conn, "greet me")

	first := readEvent(t, conn)
	if first.Type != eventChunk || first.Text != "Hel" {
		t.Fatalf("first chunk = %+v", first)
	}
	second := readEvent(t, conn)
	if second.Type != eventChunk || second.Text != "lo" {
		t.Fatalf("second chunk = %+v", second)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}

	done := readEvent(t, conn)
	if done.Type != eventComplete || done.Status != string(agent.OutcomeCompleted) || done.Content != "Hello" {
		t.Errorf("terminal event = %+v", done)
	}

	call, ok := f.agent.lastSubmit()
	if !ok || call.sessionID != "sess-1" || call.text != "greet me" {
		t.Errorf("runtime saw %+v", call)
	}
}

func TestStreamForwardsToolCalls(t *testing.T) {
	fake := completedAgent("done")
	fake.chunks = []providers.StreamChunk{
		{ToolCall: &models.ToolCall{ID: "tc-1", Name: "read_file", Arguments: map[string]any{"path": "notes.txt"}}},
	}
	f := newFixture(t, fake)
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	sendContent(t, conn, "read my notes")

	evt := readEvent(t, conn)
	if evt.Type != eventToolCall || evt.ToolCall == nil || evt.ToolCall.Name != "read_file" {
		t.Fatalf("tool call event = %+v", evt)
	}
	if done := readEvent(t, conn); done.Type != eventComplete {
		t.Errorf("terminal event = %+v", done)
	}
}

func TestStreamPendingConfirmation(t *testing.T) {
	call := &models.ToolCall{ID: "tc-9", Name: "execute_command", Arguments: map[string]any{"command": "ls"}}
	fake := &fakeAgent{outcome: agent.Outcome{Status: agent.OutcomePendingConfirmation, PendingCall: call}}
	f := newFixture(t, fake)
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	sendContent(t, conn, "list files")

	evt := readEvent(t, conn)
	if evt.Type != eventComplete || evt.Status != string(agent.OutcomePendingConfirmation) {
		t.Fatalf("event = %+v", evt)
	}
	if evt.ToolCall == nil || evt.ToolCall.Name != "execute_command" {
		t.Errorf("pending tool = %+v", evt.ToolCall)
	}
}

func TestStreamErrorOutcome(t *testing.T) {
	fake := &fakeAgent{
		outcome: agent.Outcome{Status: agent.OutcomeFailed, Err: errors.New("ollama unreachable")},
		err:     errors.New("ollama unreachable"),
	}
	f := newFixture(t, fake)
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	sendContent(t, conn, "anything")

	evt := readEvent(t, conn)
	if evt.Type != eventError || !strings.Contains(evt.Error, "ollama unreachable") {
		t.Errorf("event = %+v", evt)
	}
}

func TestStreamRejectsBlankContent(t *testing.T) {
	f := newFixture(t, completedAgent("ok"))
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	sendContent(t, conn, "   ")
	evt := readEvent(t, conn)
	if evt.Type != eventError || evt.Error != "content is required" {
		t.Fatalf("event = %+v", evt)
	}

	// The connection survives a rejected frame.
	sendContent(t, conn, "real question")
	if done := readEvent(t, conn); done.Type != eventComplete {
		t.Errorf("event after rejection = %+v", done)
	}
}

func TestStreamRejectsInvalidFrame(t *testing.T) {
	f := newFixture(t, completedAgent("ok"))
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	evt := readEvent(t, conn)
	if evt.Type != eventError || !strings.HasPrefix(evt.Error, "invalid frame") {
		t.Errorf("event = %+v", evt)
	}
}

func TestStreamSequentialMessages(t *testing.T) {
	f := newFixture(t, completedAgent("answer"))
	conn := dialStream(t, f, "s")
	readEvent(t, conn)

	for i := 0; i < 2; i++ {
		sendContent(t, conn, "question")
		if done := readEvent(t, conn); done.Type != eventComplete || done.Content != "answer" {
			t.Fatalf("round %d event = %+v", i, done)
		}
	}
}

func TestStreamRequiresUpgrade(t *testing.T) {
	f := newFixture(t, completedAgent("ok"))
	resp, err := http.Get(f.ts.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("plain GET status = %d, want 400", resp.StatusCode)
	}
}
