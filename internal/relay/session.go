package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ollama-relay/internal/config"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/model"
)

// Envelope event names. They match the browser client's socket events.
const (
	EventChatStream   = "chat-stream"
	EventChatResponse = "chat-response"
	EventChatDone     = "chat-done"
	EventError        = "error"
)

// Client-facing session errors.
const (
	MsgInvalidMessage = "invalid message"
	MsgQueueFull      = "too many pending requests"
)

const writeWait = 10 * time.Second

// Envelope is the WebSocket wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of an "error" envelope.
type ErrorPayload struct {
	Error string `json:"error"`
}

type queued struct {
	id  string
	req model.ChatRequest
}

// Hub owns every open WebSocket session.
type Hub struct {
	service *Service
	logger  *slog.Logger
	metrics *metrics.Metrics

	queueSize    int
	pingInterval time.Duration
	readLimit    int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	active   atomic.Int64
}

// NewHub creates a Hub. The metrics parameter may be nil.
func NewHub(svc *Service, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		service:      svc,
		logger:       logger.With("component", "ws_hub"),
		metrics:      m,
		queueSize:    cfg.Relay.QueueSize,
		pingInterval: time.Duration(cfg.Relay.PingIntervalSeconds) * time.Second,
		readLimit:    cfg.Relay.MaxMessageBytes,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[*Session]struct{}),
	}
}

// Active returns the number of open sessions.
func (h *Hub) Active() int {
	return int(h.active.Load())
}

// Serve runs a session on conn until the client disconnects or the hub
// closes. It takes ownership of conn.
func (h *Hub) Serve(conn *websocket.Conn) {
	id := uuid.NewString()
	s := &Session{
		ID:     id,
		hub:    h,
		conn:   conn,
		logger: h.logger.With("session_id", id),
	}

	if !h.add(s) {
		_ = conn.Close()
		return
	}
	defer h.remove(s)

	s.run(h.ctx)
}

// Close ends every session and refuses new ones.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.closeConn(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) add(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.sessions[s] = struct{}{}
	h.active.Add(1)
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
	s.logger.Info("client connected", "remote", s.conn.RemoteAddr().String())
	return true
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.active.Add(-1)
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
	s.logger.Info("client disconnected")
}

// Session is the relay state of one WebSocket connection. Requests are
// served one at a time in arrival order; each stream's buffer belongs to
// the session's worker alone.
type Session struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	queue := make(chan queued, s.hub.queueSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.work(ctx, queue)
	}()
	go func() {
		defer wg.Done()
		s.ping(ctx)
	}()

	s.read(ctx, queue)

	// Client gone: abort the in-flight upstream call and drop queued work.
	cancel()
	_ = s.conn.Close()
	wg.Wait()
}

func (s *Session) read(ctx context.Context, queue chan<- queued) {
	pongWait := 2 * s.hub.pingInterval
	if s.hub.readLimit > 0 {
		s.conn.SetReadLimit(s.hub.readLimit)
	}
	if pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				s.logger.Warn("websocket read error", "err", err)
			}
			return
		}
		if pongWait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("undecodable envelope", "err", err)
			_ = s.sendError("", MsgInvalidMessage)
			continue
		}
		if env.Event != EventChatStream {
			s.logger.Debug("unknown event", "event", env.Event)
			_ = s.sendError(env.ID, MsgInvalidMessage)
			continue
		}

		var req model.ChatRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				s.logger.Debug("undecodable chat request", "err", err)
				_ = s.sendError(env.ID, MsgInvalidMessage)
				continue
			}
		}

		select {
		case queue <- queued{id: env.ID, req: req}:
		default:
			if s.hub.metrics != nil {
				s.hub.metrics.RelayStreams.WithLabelValues(metrics.OutcomeRejected).Inc()
			}
			_ = s.sendError(env.ID, MsgQueueFull)
		}
	}
}

func (s *Session) work(ctx context.Context, queue <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-queue:
			if err := s.relay(ctx, q); err != nil {
				// The connection is unusable; unblock the reader.
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}

// relay serves one request. It returns an error only when writing to the
// client fails.
func (s *Session) relay(ctx context.Context, q queued) error {
	st, err := s.hub.service.Open(ctx, q.req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			return s.sendError(q.id, ve.Reason)
		}
		// Context done: the session is shutting down.
		return nil
	}
	defer func() { _ = st.Close() }()

	for st.Next() {
		ev := st.Event()
		var werr error
		switch ev.Kind {
		case KindData:
			werr = s.send(Envelope{Event: EventChatResponse, ID: q.id, Data: ev.Data})
		case KindDone:
			werr = s.send(Envelope{Event: EventChatDone, ID: q.id})
		case KindError:
			werr = s.sendError(q.id, ev.Message)
		}
		if werr != nil {
			return werr
		}
	}
	return nil
}

func (s *Session) ping(ctx context.Context) {
	if s.hub.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) send(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(env); err != nil {
		s.logger.Debug("websocket write failed", "event", env.Event, "err", err)
		return err
	}
	return nil
}

func (s *Session) sendError(id, msg string) error {
	data, err := json.Marshal(ErrorPayload{Error: msg})
	if err != nil {
		return err
	}
	return s.send(Envelope{Event: EventError, ID: id, Data: data})
}

func (s *Session) closeConn(code int, text string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}
