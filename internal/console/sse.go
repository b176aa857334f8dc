package console

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/conversation"
)

// updateEvent is the payload of an "update" SSE event.
type updateEvent struct {
	Snapshot        conversation.Snapshot `json:"snapshot"`
	UsersChanged    bool                  `json:"users_changed"`
	MessagesChanged bool                  `json:"messages_changed"`
	ModesChanged    bool                  `json:"modes_changed"`
}

// handleStream subscribes to a business number for the lifetime of the
// request and relays each published update as an SSE event.
func handleStream(conv Conversations, heartbeat time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sub, err := conv.Subscribe(ctx, c.Param("number"))
		if err != nil {
			respondError(c, err)
			return
		}
		defer sub.Stop()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"subscription": sub.ID})
		c.Writer.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				writeSSE(c.Writer, "update", updateEvent{
					Snapshot:        u.Snapshot,
					UsersChanged:    u.UsersChanged,
					MessagesChanged: u.MessagesChanged,
					ModesChanged:    u.ModesChanged,
				})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
