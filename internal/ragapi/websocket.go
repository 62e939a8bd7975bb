package ragapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ragserver/internal/progress"
)

// evictedCloseCode is the WebSocket close code used for an unknown or
// evicted upload_id (§6.2). 4404 lives in the private-use range
// (4000-4999) reserved for application-specific close codes.
const evictedCloseCode = 4404

const writeWait = 5 * time.Second

// wsFrame is the §6.2 wire shape, deliberately distinct from
// progress.UploadJob's JSON tags (which are shared with the REST surface
// and use last_update_time instead of timestamp).
type wsFrame struct {
	UploadID        string `json:"upload_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentChunk    int    `json:"current_chunk"`
	TotalChunks     int    `json:"total_chunks"`
	Message         string `json:"message,omitempty"`
	Timestamp       string `json:"timestamp"`
}

func frameFrom(job progress.UploadJob) wsFrame {
	return wsFrame{
		UploadID:        job.UploadID,
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		CurrentChunk:    job.CurrentChunk,
		TotalChunks:     job.TotalChunks,
		Message:         job.Message,
		Timestamp:       job.LastUpdateTime.UTC().Format(time.RFC3339Nano),
	}
}

func isTerminal(status progress.Status) bool {
	return status == progress.StatusCompleted || status == progress.StatusFailed
}

// handleWebSocket implements WS /ws/{upload_id} (§6.2). On connect it
// subscribes to C7; unknown or evicted ids close with 4404. Progress
// frames are pushed in order until a terminal status, at which point the
// connection closes normally (1000). A client "close" text frame requests
// graceful termination of the subscription only, never the pipeline
// (§5: "Closing a WebSocket only cancels the subscription, not the
// pipeline").
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("upload_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, err := s.tracker.Subscribe(uploadID)
	if err != nil {
		closeWithCode(conn, evictedCloseCode, "unknown or evicted upload_id")
		return
	}
	defer sub.Close()

	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "close" {
				return
			}
			// any other client frame is ignored, per §6.2
		}
	}()

	for {
		select {
		case job := <-sub.Events:
			if err := conn.WriteJSON(frameFrom(job)); err != nil {
				return
			}
			if isTerminal(job.Status) {
				closeWithCode(conn, websocket.CloseNormalClosure, "")
				return
			}
		case <-clientClosed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
