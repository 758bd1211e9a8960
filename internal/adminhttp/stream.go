package adminhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/publisher"
)

// runStreamer is the subset of publisher.Publisher this surface needs to
// bridge a run's server-side event fan-out onto a WebSocket connection.
type runStreamer interface {
	SubscribeRun(id, runID string) *publisher.RunSubscriber
	UnsubscribeRun(sub *publisher.RunSubscriber)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStreamRun upgrades the connection and forwards every message the
// run's Publisher subscriber receives until the socket closes.
func handleStreamRun(pub runStreamer, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		if pub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run streaming is not available"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("failed to upgrade run stream connection", zap.String("run_id", runID), zap.Error(err))
			return
		}
		defer conn.Close()

		clientID := uuid.New().String()
		sub := pub.SubscribeRun(clientID, runID)
		defer pub.UnsubscribeRun(sub)

		go drainClientFrames(conn)

		for msg := range sub.Send() {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// drainClientFrames discards inbound frames from the browser so the
// connection's read side stays live and a closed socket is noticed.
func drainClientFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
