package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chimera/internal/workflow"

	"github.com/gorilla/websocket"
)

// EventSource hands out per-job event subscriptions.
type EventSource interface {
	Subscribe(jobID string, size int) (<-chan workflow.Event, func())
}

// StateReader loads the current state of a job.
type StateReader interface {
	GetState(ctx context.Context, jobID string) (workflow.State, error)
}

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// StreamHandler pushes job events to WebSocket clients.
type StreamHandler struct {
	jobs   StateReader
	events EventSource
	log    *slog.Logger
}

func NewStreamHandler(jobs StateReader, events EventSource, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{jobs: jobs, events: events, log: logger}
}

type streamInbound struct {
	Type string `json:"type"`
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	st, err := h.jobs.GetState(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(streamPongWait)); err != nil {
		h.log.Warn("stream ws: set read deadline failed", "job_id", jobID, "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	if st.Stage.Terminal() {
		h.sendFinished(conn, jobID, st.Stage)
		return
	}

	events, stop := h.events.Subscribe(jobID, 64)
	defer stop()

	// The reader only answers pings; everything else is ignored.
	replies := make(chan workflow.Event, 8)
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !isPing(raw) {
				continue
			}
			select {
			case replies <- workflow.Event{Type: workflow.EventPong, JobID: jobID, Timestamp: time.Now().UTC()}:
			default:
			}
		}
	}()

	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	write := func(v any) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(v) == nil
	}

	if !write(workflow.Event{
		Type:      workflow.EventConnected,
		JobID:     jobID,
		Data:      workflow.StatusPayload{Stage: st.Stage},
		Timestamp: time.Now().UTC(),
	}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if !write(ev) {
				return
			}
		case reply := <-replies:
			if !write(reply) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFinished tells a client of a finished job its stage and closes the
// socket; no more events will come.
func (h *StreamHandler) sendFinished(conn *websocket.Conn, jobID string, stage workflow.Stage) {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(workflow.Event{
		Type:      workflow.EventConnected,
		JobID:     jobID,
		Data:      workflow.StatusPayload{Stage: stage},
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.log.Warn("stream ws: write failed", "job_id", jobID, "err", err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// isPing accepts a bare "ping" text frame or {"type":"ping"}.
func isPing(raw []byte) bool {
	text := strings.TrimSpace(string(raw))
	if strings.EqualFold(text, "ping") {
		return true
	}
	var in streamInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(in.Type), "ping")
}
