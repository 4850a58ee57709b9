package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/providers"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	streamMaxPayload   = 1 << 20
	streamPingInterval = 15 * time.Second
	streamPongWait     = 45 * time.Second
	streamWriteWait    = 10 * time.Second
	streamSendBuffer   = 64
	streamChunkBuffer  = 16
)

const (
	eventSession  = "session"
	eventChunk    = "chunk"
	eventToolCall = "tool_call"
	eventComplete = "complete"
	eventError    = "error"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// clientFrame is what the client sends: one message per frame.
type clientFrame struct {
	Content string `json:"content"`
}

// streamEvent is one server-to-client frame. Seq increments per event,
// so a gap tells the client a chunk was dropped under backpressure.
type streamEvent struct {
	Type      string           `json:"type"`
	Seq       int64            `json:"seq"`
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	ToolCall  *models.ToolCall `json:"tool_call,omitempty"`
	Status    string           `json:"status,omitempty"`
	Content   string           `json:"content,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type streamSession struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	seq       int64
}

// handleStream upgrades GET /v1/stream?session=… and relays completion
// chunks as they arrive. Without a session parameter the server assigns
// one and announces it in the first event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &streamSession{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, streamSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		sessionID: sessionID,
	}
	sess.run()
}

func (s *streamSession) run() {
	defer s.close()
	go s.writeLoop()
	_ = s.enqueueWait(streamEvent{Type: eventSession, SessionID: s.sessionID}) //nolint:errcheck
	s.readLoop()
}

func (s *streamSession) close() {
	s.cancel()
	_ = s.conn.Close()
}

func (s *streamSession) readLoop() {
	s.conn.SetReadLimit(streamMaxPayload)
	_ = s.conn.SetReadDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = s.enqueue(streamEvent{Type: eventError, Error: "invalid frame: " + err.Error()}) //nolint:errcheck
			continue
		}
		if strings.TrimSpace(frame.Content) == "" {
			_ = s.enqueue(streamEvent{Type: eventError, Error: "content is required"}) //nolint:errcheck
			continue
		}

		// Run off the read loop so pongs keep arriving during a long
		// generation. Session locks serialize concurrent submits.
		go s.submit(frame.Content)
	}
}

func (s *streamSession) writeLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// submit runs one message through the runtime, forwarding chunks as
// events and finishing with a terminal event built from the outcome.
func (s *streamSession) submit(content string) {
	chunks := make(chan providers.StreamChunk, streamChunkBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for chunk := range chunks {
			switch {
			case chunk.ToolCall != nil:
				_ = s.enqueue(streamEvent{Type: eventToolCall, ToolCall: chunk.ToolCall}) //nolint:errcheck
			case chunk.Text != "":
				_ = s.enqueue(streamEvent{Type: eventChunk, Text: chunk.Text}) //nolint:errcheck
			}
		}
	}()

	out, err := s.server.cfg.Runtime.SubmitStream(s.ctx, s.sessionID, content, chunks)
	close(chunks)
	<-forwarded

	switch out.Status {
	case agent.OutcomeCompleted:
		_ = s.enqueueWait(streamEvent{Type: eventComplete, Status: string(out.Status), Content: out.Content}) //nolint:errcheck
	case agent.OutcomePendingConfirmation:
		_ = s.enqueueWait(streamEvent{Type: eventComplete, Status: string(out.Status), ToolCall: out.PendingCall}) //nolint:errcheck
	default:
		message := "request failed"
		if err != nil {
			message = err.Error()
		} else if out.Err != nil {
			message = out.Err.Error()
		}
		_ = s.enqueueWait(streamEvent{Type: eventError, Error: message}) //nolint:errcheck
	}
}

func (s *streamSession) encode(evt streamEvent) ([]byte, error) {
	evt.Seq = atomic.AddInt64(&s.seq, 1)
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	if len(data) > streamMaxPayload {
		return nil, errors.New("payload too large")
	}
	return data, nil
}

// enqueue drops the event when the client cannot keep up. The terminal
// event resends the full content, so a lost chunk costs nothing final.
func (s *streamSession) enqueue(evt streamEvent) error {
	data, err := s.encode(evt)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// enqueueWait blocks until the writer takes the event. Terminal events
// must survive backpressure.
func (s *streamSession) enqueueWait(evt streamEvent) error {
	data, err := s.encode(evt)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.send <- data:
		return nil
	}
}
