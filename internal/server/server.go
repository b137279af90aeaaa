// Package server exposes detection sessions over HTTP.
//
// Each WebSocket connection on /v1/sessions/{id}/stream owns one session for
// its lifetime. Clients send [ClientMessage] frames; the server pushes
// confirmed detections and escalation signals as [ServerMessage] frames.
// Health, readiness and Prometheus metrics share the same listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/app"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/health"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/session"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

const (
	// newSessionID in the URL asks the server to generate an identifier.
	newSessionID = "new"

	defaultWriteTimeout   = 5 * time.Second
	defaultOutboundBuffer = 64

	// defaultCloseGrace bounds the close handshake at shutdown.
	defaultCloseGrace = time.Second
	readLimit             = 64 << 10

	defaultExternalConfidence = 0.8
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Manager owns the detection sessions the server streams.
type Manager interface {
	Start(ctx context.Context, opts app.StartOptions) (*session.Session, error)
	Stop(id string) error
	List() []app.SessionInfo
}

var _ Manager = (*app.SessionManager)(nil)

// Server is a thin wrapper over [http.Server] that tracks hijacked
// WebSocket connections so Shutdown can close them.
type Server struct {
	cfg      config.ServerConfig
	sessions Manager

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	writeTimeout   time.Duration
	closeGrace     time.Duration
	outbound       int

	handler http.Handler
	srv     *http.Server

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the HTTP middleware. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default:
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithWriteTimeout bounds a single WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithCloseGrace sets how long Shutdown waits for clients to answer the
// close handshake before dropping their connections. Default: 1s.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.closeGrace = d
		}
	}
}

// WithOutboundBuffer sets how many server messages may queue per
// connection. A client that falls further behind is disconnected.
func WithOutboundBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.outbound = n
		}
	}
}

// New creates a server for cfg. Routes are mounted immediately; call
// [Server.ListenAndServe] to accept connections.
func New(cfg config.ServerConfig, sessions Manager, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		writeTimeout: defaultWriteTimeout,
		closeGrace:   defaultCloseGrace,
		outbound:     defaultOutboundBuffer,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.Handle("GET /metrics", s.metricsHandler)
	if s.health != nil {
		s.health.Register(mux)
	}
	s.handler = observe.Middleware(s.metrics)(mux)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.ListenAddr }

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful [Server.Shutdown].
func (s *Server) ListenAndServe() error {
	slog.Info("http listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)
	var err error
	if s.cfg.TLS != nil {
		err = s.srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown fails readiness, stops accepting requests, closes every open
// stream with StatusGoingAway and waits for the stream handlers to return.
// Connections whose clients do not complete the close handshake within the
// close grace are dropped.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Drain()
	}
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go c.Close(websocket.StatusGoingAway, "server shutting down")
	}

	err := s.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	dropAll := func() {
		for _, c := range conns {
			c.CloseNow()
		}
	}

	grace := time.NewTimer(s.closeGrace)
	defer grace.Stop()
	select {
	case <-done:
		return err
	case <-grace.C:
		dropAll()
	case <-ctx.Done():
		dropAll()
		return errors.Join(err, fmt.Errorf("server: shutdown: %w", ctx.Err()))
	}

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("server: shutdown: %w", ctx.Err()))
	}
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch {
	case id == newSessionID:
		id = ""
	case !sessionIDPattern.MatchString(id):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	c := &client{out: make(chan ServerMessage, s.outbound), log: slog.Default()}
	c.results = r.URL.Query().Get("results") == "1"

	sess, err := s.sessions.Start(r.Context(), app.StartOptions{
		ID:        id,
		Sink:      session.SinkFunc(c.detection),
		Observers: []session.Observer{c.observe},
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, app.ErrSessionExists):
			status = http.StatusConflict
		case errors.Is(err, app.ErrTooManySessions):
			status = http.StatusServiceUnavailable
		}
		slog.Warn("session start rejected", "session", id, "err", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	c.id = sess.ID()
	c.log = observe.Logger(observe.WithSession(r.Context(), c.id))
	defer func() {
		if err := s.sessions.Stop(c.id); err != nil && !errors.Is(err, app.ErrNoSession) {
			c.log.Warn("failed to stop session", "err", err)
		}
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		c.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if !s.track(conn) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c.cancel = cancel

	c.log.Info("stream opened", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, c)
	}()

	c.send(ServerMessage{Type: TypeReady})
	status, reason := s.readLoop(ctx, conn, sess, c)

	cancel()
	<-writerDone

	if c.slow.Load() {
		status, reason = websocket.StatusPolicyViolation, "client too slow"
	}
	if status != -1 {
		conn.Close(status, reason)
	}
	c.log.Info("stream closed", "status", status.String())
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			msg.SessionID = c.id
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				c.log.Debug("stream write failed", "err", err)
				c.cancel()
				return
			}
		}
	}
}

// readLoop dispatches client frames until the connection ends. It returns
// the close status the handler should send, or -1 when the connection is
// already closed.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, c *client) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return -1, ""
			}
			if ctx.Err() != nil {
				return websocket.StatusNormalClosure, ""
			}
			c.log.Debug("stream read failed", "err", err)
			return -1, ""
		}
		if typ != websocket.MessageText {
			c.sendError("binary frames are not supported")
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message: " + err.Error())
			continue
		}
		if err := s.dispatch(ctx, sess, c, msg); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return websocket.StatusGoingAway, "session closed"
			}
			c.sendError(err.Error())
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, c *client, msg ClientMessage) error {
	switch msg.Type {
	case TypeChunk:
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		return sess.Push(ctx, types.TranscriptChunk{
			ID:        msg.ID,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
			IsFinal:   msg.IsFinal,
		})

	case TypeClear:
		sess.Clear()
		c.send(ServerMessage{Type: TypeCleared})
		return nil

	case TypeExternal:
		cands, err := externalCandidates(msg.References)
		if err != nil {
			return err
		}
		_, err = sess.InjectExternal(ctx, cands)
		return err

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func externalCandidates(refs []ExternalReference) ([]types.Candidate, error) {
	if len(refs) == 0 {
		return nil, errors.New("external message has no references")
	}
	cands := make([]types.Candidate, 0, len(refs))
	var errs []error
	for _, er := range refs {
		ref, err := scripture.ParseReference(er.Reference)
		if err != nil {
			errs = append(errs, fmt.Errorf("reference %q: %w", er.Reference, err))
			continue
		}
		score := er.Confidence
		if score == 0 {
			score = defaultExternalConfidence
		}
		if score < 0 || score > 1 {
			errs = append(errs, fmt.Errorf("reference %q: confidence %.2f outside [0, 1]", er.Reference, score))
			continue
		}
		reason := er.Reason
		if reason == "" {
			reason = "external"
		}
		cands = append(cands, types.Candidate{
			Reference:  ref,
			Source:     types.SourceExternal,
			Confidence: types.Confidence{Score: score, Level: types.LevelForScore(score)},
			Reason:     reason,
		})
	}
	return cands, errors.Join(errs...)
}

// client is the per-connection outbound queue. Its callbacks run under the
// session lock, so they never block.
type client struct {
	id      string
	log     *slog.Logger
	results bool
	out     chan ServerMessage
	cancel  context.CancelFunc
	slow    atomic.Bool
}

func (c *client) send(msg ServerMessage) {
	select {
	case c.out <- msg:
	default:
		if c.slow.CompareAndSwap(false, true) {
			c.log.Warn("client too slow, dropping connection")
			if c.cancel != nil {
				c.cancel()
			}
		}
	}
}

func (c *client) sendError(msg string) {
	c.send(ServerMessage{Type: TypeError, Error: msg})
}

func (c *client) detection(_ context.Context, d types.ConfirmedDetection) {
	c.send(ServerMessage{Type: TypeDetection, Detection: &d})
}

func (c *client) observe(_ context.Context, u session.Update) {
	if c.results {
		res := u.Result
		c.send(ServerMessage{Type: TypeResult, Result: &res})
	}
	if u.Result.ShouldCallGPT {
		c.send(ServerMessage{Type: TypeEscalation, Escalation: &Escalation{
			ChunkID: u.ChunkID,
			Reason:  u.Result.EscalationReason,
			Context: u.Result.GPTContext,
			Text:    u.Result.Text,
		}})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
