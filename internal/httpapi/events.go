package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams hub notifications to a websocket client until either
// side goes away. Messages from the client are ignored.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(hijackableWriter(c), c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logf("events: accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(c.Request.Context())
	notifications, unsubscribe := s.coordinator.Hub().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-notifications:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, n)
			cancel()
			if err != nil {
				s.logf("events: write %s failed: %v", n.Type, err)
				return
			}
		}
	}
}

// hijackableWriter returns the writer underneath gin's. The websocket
// handshake writes the status before hijacking, which gin's wrapper refuses.
func hijackableWriter(c *gin.Context) http.ResponseWriter {
	if u, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		return u.Unwrap()
	}
	return c.Writer
}
