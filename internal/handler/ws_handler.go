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
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	intentTimeout = 5 * time.Second
	outboxSize    = 16
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

// WSRecorder counts WebSocket traffic.
type WSRecorder interface {
	WSConnected() func()
	WSMessage(kind, direction string)
}

type nopWSRecorder struct{}

func (nopWSRecorder) WSConnected() func()     { return func() {} }
func (nopWSRecorder) WSMessage(string, string) {}

// WSOptions tunes the attempt stream.
type WSOptions struct {
	AllowedOrigins []string
	// ResyncInterval is how often a full state frame is pushed regardless
	// of changes, so clients correct their countdown drift.
	ResyncInterval time.Duration
	EventsPerSec   float64
	EventBurst     int
}

// WSHandler streams attempt state and accepts intents over a WebSocket.
type WSHandler struct {
	manager  *session.Manager
	metrics  WSRecorder
	log      zerolog.Logger
	upgrader websocket.Upgrader
	opts     WSOptions
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(manager *session.Manager, metrics WSRecorder, log zerolog.Logger, opts WSOptions) *WSHandler {
	if metrics == nil {
		metrics = nopWSRecorder{}
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 15 * time.Second
	}
	if opts.EventsPerSec <= 0 {
		opts.EventsPerSec = 5
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 10
	}
	return &WSHandler{
		manager:  manager,
		metrics:  metrics,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// AttemptStream godoc
// WS /ws/v1/participant/attempts/:id/stream
// Pushes state, proctoring events, warnings and the result; accepts the same
// intents as the REST endpoints.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Resolve before upgrading so the client gets a proper HTTP error.
	e, err := h.manager.GetOwned(attemptID, claims.Subject)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.Prepare(conn)

	disconnected := h.metrics.WSConnected()
	defer disconnected()

	wsLog := h.log.With().
		Str("participant_id", claims.Subject).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Participant connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &attemptStream{
		h:       h,
		engine:  e,
		conn:    conn,
		log:     wsLog,
		out:     make(chan any, outboxSize),
		limiter: rate.NewLimiter(rate.Limit(h.opts.EventsPerSec), h.opts.EventBurst),
		closed:  make(chan struct{}),
	}

	updates, unsubscribe := e.Subscribe()
	defer unsubscribe()

	go func() {
		defer close(s.closed)
		s.writeLoop(ctx, updates)
		// Unblock the reader when the engine goes away.
		conn.Close()
	}()

	s.readLoop(ctx)
	cancel()
	<-s.closed
	wsLog.Info().Msg("Participant disconnected")
}

// attemptStream is one connection. Only writeLoop writes to conn.
type attemptStream struct {
	h       *WSHandler
	engine  *session.Engine
	conn    *websocket.Conn
	log     zerolog.Logger
	out     chan any
	limiter *rate.Limiter
	closed  chan struct{}
}

func (s *attemptStream) writeLoop(ctx context.Context, updates <-chan session.Update) {
	resync := time.NewTicker(s.h.opts.ResyncInterval)
	defer resync.Stop()
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		var frame any
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			f, ok := ws.FromUpdate(u)
			if !ok {
				continue
			}
			frame = f
		case <-resync.C:
			frame = ws.StateResponse{Event: ws.EventState, State: s.engine.CurrentState()}
		case f := <-s.out:
			frame = f
		case <-ping.C:
			if err := ws.WritePing(s.conn); err != nil {
				s.log.Debug().Err(err).Msg("Ping failed")
				return
			}
			continue
		}

		if err := ws.WriteTyped(s.conn, frame); err != nil {
			s.log.Debug().Err(err).Msg("Write failed")
			return
		}
		s.h.metrics.WSMessage(frameEvent(frame), "out")
	}
}

func (s *attemptStream) readLoop(ctx context.Context) {
	for {
		data, err := ws.ReadMessage(s.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.send(ctx, errorFrame(response.ErrInvalidPayload))
			continue
		}
		s.h.metrics.WSMessage(string(env.Action), "in")

		if err := s.handle(ctx, env.Action, data); err != nil {
			_, code := classify(err)
			s.send(ctx, errorFrame(code))
		}
	}
}

func (s *attemptStream) handle(ctx context.Context, action ws.Action, data []byte) error {
	switch action {
	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return session.ErrMalformedAnswer
		}
		return s.dispatch(ctx, session.AnswerIntent{QuestionID: req.QuestionID, Value: req.Value})

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return session.ErrInvalidIntent
		}
		return s.dispatch(ctx, session.NavigateIntent{Index: req.Index})

	case ws.ActionFlag:
		var req ws.FlagRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return session.ErrInvalidIntent
		}
		return s.dispatch(ctx, session.ToggleFlagIntent{QuestionID: req.QuestionID})

	case ws.ActionSubmit:
		// The outcome arrives as a result frame.
		return s.dispatch(ctx, session.SubmitIntent{})

	case ws.ActionProctor:
		var req ws.ProctorRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return session.ErrUnknownEventKind
		}
		if !s.limiter.Allow() {
			s.send(ctx, errorFrame(response.ErrRateLimitExceeded))
			return nil
		}
		return s.engine.ReportEvent(req.Kind, req.OccurredAt, req.Payload)

	case ws.ActionState:
		s.send(ctx, ws.StateResponse{Event: ws.EventState, State: s.engine.CurrentState()})
		return nil

	case ws.ActionPing:
		s.send(ctx, ws.PongResponse{Event: ws.EventPong, ServerTime: time.Now().UTC()})
		return nil
	}

	s.log.Warn().Str("action", string(action)).Msg("Unknown action")
	return session.ErrInvalidIntent
}

func (s *attemptStream) dispatch(ctx context.Context, in session.Intent) error {
	ctx, cancel := context.WithTimeout(ctx, intentTimeout)
	defer cancel()
	return s.engine.Dispatch(ctx, in)
}

func (s *attemptStream) send(ctx context.Context, frame any) {
	select {
	case s.out <- frame:
	case <-s.closed:
	case <-ctx.Done():
	}
}

func errorFrame(code response.ErrCode) ws.ErrorResponse {
	return ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: response.GetMessage(code)}
}

func frameEvent(frame any) string {
	switch f := frame.(type) {
	case ws.StateResponse:
		return string(f.Event)
	case ws.ProctorResponse:
		return string(f.Event)
	case ws.WarningResponse:
		return string(f.Event)
	case ws.ResultResponse:
		return string(f.Event)
	case ws.ErrorResponse:
		return string(f.Event)
	case ws.PongResponse:
		return string(f.Event)
	}
	return "unknown"
}
