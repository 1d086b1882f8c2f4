package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/documents"
	"github.com/gin-gonic/gin"
)

type streamStatusPayload struct {
	DocumentID string    `json:"documentId"`
	Status     string    `json:"status"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleDocumentEvents streams status changes of one document as
// server-sent events. The first event is the current status so clients
// never miss a transition that happened before they connected.
func (h *httpHandler) handleDocumentEvents(c *gin.Context) {
	view, err := h.documents.GetDocumentMetadata(c.Request.Context(), c.Param("id"), h.caller(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, view.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	completed := 0
	for _, signer := range view.Signers {
		if signer.Status == documents.SignerCompleted {
			completed++
		}
	}
	c.SSEvent("status", streamStatusPayload{
		DocumentID: view.ID,
		Status:     string(view.Status),
		Completed:  completed,
		Total:      len(view.Signers),
		Timestamp:  h.clock().UTC(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: h.clock().UTC()})
			c.Writer.Flush()
		}
	}
}
