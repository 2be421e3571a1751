package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/genfin/furrow/internal/season"
	"github.com/gin-gonic/gin"
)

// Stream timings.
var (
	streamPoll      = 3 * time.Second
	streamHeartbeat = 15 * time.Second
)

// handleChainStream sends the season's chain entries as server-sent events,
// starting with the full history, then polling for new appends.
func handleChainStream(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if _, err := svc.Get(ctx, id); err != nil {
			writeError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"season_id": id})
		c.Writer.Flush()

		next := 0
		sendNew := func() bool {
			for e, err := range svc.History(ctx, id) {
				if err != nil {
					if ctx.Err() == nil {
						writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
						c.Writer.Flush()
					}
					return false
				}
				if e.Seq < next {
					continue
				}
				writeSSE(c.Writer, "entry", toEntryView(e))
				next = e.Seq + 1
			}
			c.Writer.Flush()
			return true
		}
		if !sendNew() {
			return
		}

		ticker := time.NewTicker(streamPoll)
		heartbeat := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				if !sendNew() {
					return
				}
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
