package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const snapshotTimeout = 5 * time.Second // a slow query must not hold the upgrade

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// MonitorHandler streams an exam's proctor feed over WebSocket.
type MonitorHandler struct {
	rdb      *redis.Client
	monitor  *service.MonitorService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(rdb *redis.Client, monitor *service.MonitorService, log zerolog.Logger, allowedOrigins []string) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		monitor:  monitor,
		log:      log.With().Str("component", "monitor_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ProctorStream godoc
// WS /ws/v1/proctor/exams/:exam_id/violations
// Sends a snapshot of the exam's attempts, then forwards every proctor event
// published for the exam until the proctor disconnects.
func (h *MonitorHandler) ProctorStream(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("exam_id", examID.String()).Logger()

	// Subscribe before the snapshot so no event falls between the two.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pubsub := h.rdb.Subscribe(ctx, config.CacheKey.ExamProctorChannel(examID.String()))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		wsLog.Error().Err(err).Msg("Proctor channel subscribe failed")
		ws.WriteError(conn, "live feed unavailable")
		return
	}

	snapCtx, snapCancel := context.WithTimeout(ctx, snapshotTimeout)
	attempts, err := h.monitor.Snapshot(snapCtx, examID)
	snapCancel()
	if err != nil {
		wsLog.Error().Err(err).Msg("Proctor snapshot failed")
		ws.WriteError(conn, "snapshot unavailable")
		return
	}
	if err := ws.WriteTyped(conn, ws.SnapshotEvent{
		Event:    ws.EventSnapshot,
		ExamID:   examID.String(),
		Attempts: attempts,
	}); err != nil {
		return
	}

	wsLog.Info().Int("attempts", len(attempts)).Msg("Proctor connected")

	// gorilla allows one concurrent writer, so the reader only signals.
	pongs := make(chan struct{}, 1)
	closed := make(chan struct{})
	go h.readLoop(conn, wsLog, pongs, closed)

	feed := pubsub.Channel()
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			wsLog.Info().Msg("Proctor disconnected")
			return

		case msg, ok := <-feed:
			if !ok {
				return
			}
			// Forward raw JSON directly; no deserialization needed.
			if err := ws.WriteRaw(conn, []byte(msg.Payload)); err != nil {
				wsLog.Debug().Err(err).Msg("Proctor write failed")
				return
			}

		case <-pongs:
			if err := ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong}); err != nil {
				return
			}

		case <-ping.C:
			if err := ws.WritePing(conn); err != nil {
				return
			}
		}
	}
}

// readLoop consumes proctor messages until the connection fails.
func (h *MonitorHandler) readLoop(conn *websocket.Conn, log zerolog.Logger, pongs chan<- struct{}, closed chan<- struct{}) {
	defer close(closed)
	ws.KeepAlive(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}
		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Action == ws.ActionPing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
