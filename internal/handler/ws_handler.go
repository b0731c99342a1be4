package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/session"
	ws "github.com/stemsi/exstem-assessment/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
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

// WSHandler streams a live session over a WebSocket.
type WSHandler struct {
	svc      *service.AssessmentService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(svc *service.AssessmentService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		svc:      svc,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// streamConn is one client connection bound to one session.
type streamConn struct {
	conn     *ws.Conn
	userID   string
	live     *session.Session
	log      zerolog.Logger
	terminal sync.Once
}

// SessionStream godoc
// WS /ws/v1/sessions/:id/stream
// Accepts answer, time, submit and ping actions. The server pushes submitted
// or expired once the session terminates, whichever path ended it.
func (h *WSHandler) SessionStream(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership is checked before upgrading so failures get a normal response.
	live, err := h.svc.Live(userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer raw.Close()

	sc := &streamConn{
		conn:   ws.NewConn(raw),
		userID: userID,
		live:   live,
		log: h.log.With().
			Str("user_id", userID).
			Str("session_id", id.String()).
			Logger(),
	}
	sc.log.Info().Msg("Client connected")

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-live.Done():
			h.pushTerminal(sc)
		case <-closed:
		}
	}()

	for {
		var msg ws.RequestPayload
		if err := sc.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				sc.log.Debug().Msg("Connection closed")
			}
			return
		}

		ctx := c.Request.Context()
		switch msg.Action {
		case ws.ActionAnswer:
			h.handleAnswer(ctx, sc, &msg)
		case ws.ActionTime:
			h.handleTime(ctx, sc, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, sc)
		case ws.ActionPing:
			_ = sc.conn.WriteEvent(ws.EventPong, nil)
		default:
			sc.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			_ = sc.conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, sc *streamConn, msg *ws.RequestPayload) {
	if msg.QuestionID == "" {
		_ = sc.conn.WriteError(string(response.ErrValidation), "question_id is required")
		return
	}
	if msg.TimeSpentSeconds < 0 {
		writeDomainError(sc.conn, model.ErrInvalidTimeSpent)
		return
	}

	rec, err := h.svc.SetAnswer(ctx, sc.userID, sc.live.ID(), msg.QuestionID, msg.AnswerRequest())
	if err != nil {
		writeDomainError(sc.conn, err)
		return
	}
	_ = sc.conn.WriteEvent(ws.EventSaved, rec)
}

func (h *WSHandler) handleTime(ctx context.Context, sc *streamConn, msg *ws.RequestPayload) {
	if len(msg.Entries) == 0 {
		_ = sc.conn.WriteError(string(response.ErrValidation), "entries are required")
		return
	}

	records, err := h.svc.AddTimeSpent(ctx, sc.userID, sc.live.ID(), msg.Entries)
	if err != nil {
		writeDomainError(sc.conn, err)
		return
	}
	_ = sc.conn.WriteEvent(ws.EventTimeSaved, records)
}

func (h *WSHandler) handleSubmit(ctx context.Context, sc *streamConn) {
	out, err := h.svc.Submit(ctx, sc.userID, sc.live.ID())
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		writeDomainError(sc.conn, err)
		return
	}
	if out != nil && out.State == model.SessionStateSubmitting {
		// Frozen; the terminal event follows once recording settles.
		_ = sc.conn.WriteEvent(ws.EventSubmitting, out)
		return
	}
	// A lost race with the deadline still announces the terminal state.
	h.pushTerminal(sc)
}

// pushTerminal announces the finished session once per connection.
func (h *WSHandler) pushTerminal(sc *streamConn) {
	select {
	case <-sc.live.Done():
	default:
		return
	}

	sc.terminal.Do(func() {
		out := h.svc.Outcome(sc.live)
		if err := sc.conn.WriteEvent(ws.TerminalEvent(out.State), out); err != nil {
			sc.log.Debug().Err(err).Msg("Terminal event not delivered")
		}
	})
}

func writeDomainError(conn *ws.Conn, err error) {
	_, code := response.FromError(err)
	_ = conn.WriteError(string(code), response.GetMessage(code))
}
