package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	EventCacheChange = "cache-change"
	eventHeartbeat   = "heartbeat"
	eventSource      = "postsync-gateway"
)

// streamEvents relays post and comment cache events as server-sent events until the client
// goes away.
func (h *httpHandler) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	postEvents, stopPosts := h.posts.Subscribe(ctx)
	defer stopPosts()
	commentEvents, stopComments := h.comments.Subscribe(ctx)
	defer stopComments()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-postEvents:
			if !ok {
				return false
			}
			c.SSEvent(EventCacheChange, event)
			return true
		case event, ok := <-commentEvents:
			if !ok {
				return false
			}
			c.SSEvent(EventCacheChange, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": eventSource, "timestamp": tick.UTC().Unix()})
			return true
		}
	})
}
