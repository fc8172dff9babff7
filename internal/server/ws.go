package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"patent_agent/internal/taskmgr"
)

const wsPushInterval = 500 * time.Millisecond

// handleTaskWS streams job snapshots until the job reaches a terminal state.
// The final snapshot is always delivered before the close frame.
func (s *Server) handleTaskWS(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.manager.Get(id); errors.Is(err, taskmgr.ErrNotFound) {
		fail(c, http.StatusNotFound, "任务不存在")
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.WithField("component", "ws").Warnf("accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := c.Request.Context()
	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	var last taskmgr.Snapshot
	for {
		snap, err := s.manager.Get(id)
		if err != nil {
			// Reaped mid-stream.
			conn.Close(websocket.StatusNormalClosure, "task gone")
			return
		}
		if snap != last {
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				return
			}
			last = snap
		}
		if snap.Status.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "task finished")
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client gone")
			return
		case <-ticker.C:
		}
	}
}
