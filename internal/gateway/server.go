package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pubgate/pubgate/internal/auth"
	"github.com/pubgate/pubgate/internal/channel"
	"github.com/pubgate/pubgate/internal/cluster"
	"github.com/pubgate/pubgate/internal/config"
	"github.com/pubgate/pubgate/internal/limits"
	"github.com/pubgate/pubgate/internal/logging"
	"github.com/pubgate/pubgate/internal/metrics"
	"github.com/pubgate/pubgate/internal/registry"
)

// Options carries the dependencies NewServer wires together.
type Options struct {
	Config   *config.Config
	Logger   zerolog.Logger
	State    cluster.State
	Provider auth.Provider

	// Membership decides non-owned private channel admission; nil admits
	// any authenticated identity.
	Membership channel.MembershipCheck
}

// Server owns the accept loop, the HTTP surface, and per-connection
// dispatch. No business logic beyond routing and response framing lives
// here; decisions belong to the policy, provider, limiter and registry.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *registry.Registry
	state    cluster.State
	policy   *channel.Policy
	provider auth.Provider
	limiter  *limits.RateLimiter
	guard    *limits.FrameGuard
	metrics  *metrics.Collector
	health   *metrics.Evaluator
	relay    *relay
	pool     *workerPool

	httpServer *http.Server

	mu         sync.Mutex
	clients    map[string]*Client
	authTimers map[string]*time.Timer

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
}

func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	logger := opts.Logger.With().Str("component", "gateway").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(),
		state:    opts.State,
		policy:   channel.NewPolicy(cfg.PrivateChannels, cfg.PresenceChannels, opts.Membership),
		provider: opts.Provider,
		limiter: limits.NewRateLimiter(limits.Config{
			Enabled:           cfg.RateLimitEnabled,
			ConnectionsPerIP:  cfg.ConnectionsPerIP,
			MessagesPerMinute: cfg.MessagesPerMinute,
			BurstLimit:        cfg.BurstLimit,
			Whitelist:         cfg.RateLimitWhitelist,
			Blacklist:         cfg.RateLimitBlacklist,
			FailClosed:        cfg.RateLimitFailClosed,
		}, opts.State, opts.Logger),
		guard:      limits.NewFrameGuard(cfg.FrameGuardRate, cfg.FrameGuardBurst),
		metrics:    metrics.NewCollector(opts.State, opts.Logger),
		pool:       newWorkerPool(runtime.GOMAXPROCS(0)*2, runtime.GOMAXPROCS(0)*200, opts.Logger),
		clients:    make(map[string]*Client),
		authTimers: make(map[string]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.health = metrics.NewEvaluator(metrics.EvaluatorConfig{
		MaxConnections: cfg.HealthMaxConnections,
		MaxMemoryMB:    cfg.HealthMaxMemoryMB,
	}, s.registry, opts.State)

	if cfg.RelayURL != "" {
		r, err := newRelay(cfg.RelayURL, cfg.NodeID, opts.Logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.relay = r
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start runs the HTTP listener and background loops. It blocks until the
// listener stops.
func (s *Server) Start() error {
	s.pool.start(s.ctx)
	go s.sweepLoop()

	if s.relay != nil {
		if err := s.relay.Subscribe(s.handleRelay); err != nil {
			return err
		}
		s.logger.Info().Str("relay_url", s.cfg.RelayURL).Msg("Cross-node relay active")
	}

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("node_id", s.cfg.NodeID).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.registry.Len() >= s.cfg.MaxConnections {
		s.metrics.ConnectionRejected("capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	addr := clientIP(r)
	if !s.limiter.AdmitConnection(r.Context(), addr) {
		s.metrics.ConnectionRejected("rate_limited")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.ConnectionRejected("upgrade_failed")
		s.logger.Debug().Err(err).Str("addr", addr).Msg("WebSocket upgrade failed")
		return
	}

	id := s.cfg.NodeID + "-" + uuid.NewString()
	client := newClient(id, conn, addr)
	regConn := s.registry.Register(id, addr, client)

	s.mu.Lock()
	s.clients[id] = client
	if s.cfg.AuthTimeout > 0 {
		s.authTimers[id] = time.AfterFunc(s.cfg.AuthTimeout, func() {
			if !regConn.Authenticated() {
				s.logger.Info().Str("conn_id", id).Msg("Authentication deadline expired")
				client.CloseWithReason("auth_timeout")
			}
		})
	}
	s.mu.Unlock()

	if err := s.state.PutConnection(s.ctx, id, cluster.ConnectionData{
		ID:          id,
		RemoteAddr:  addr,
		ConnectedAt: regConn.ConnectedAt.Unix(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", id).Msg("Cluster state connection write failed")
	}
	s.metrics.ConnectionOpened()
	s.logger.Debug().Str("conn_id", id).Str("addr", addr).Msg("Connection opened")

	go client.writePump()
	go s.readPump(client, regConn)
}

func (s *Server) readPump(client *Client, conn *registry.Connection) {
	defer s.disconnect(client)
	defer logging.RecoverPanic(s.logger, "read_pump", map[string]any{"conn_id": client.id})

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(client.conn)
		if err != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op != ws.OpText {
			if op == ws.OpClose {
				client.CloseWithReason("client_close")
				return
			}
			continue
		}

		if !s.guard.Allow(client.id) {
			s.metrics.MessageDropped("frame_guard")
			client.Send(errorEnvelope(ErrCodeRateLimited, "too many frames, slow down"))
			continue
		}
		s.dispatch(s.ctx, conn, msg)
	}
}

// disconnect tears down one connection: registry, cluster state, timers and
// the guard bucket. Safe to call more than once.
func (s *Server) disconnect(client *Client) {
	s.mu.Lock()
	if _, live := s.clients[client.id]; !live {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client.id)
	if timer := s.authTimers[client.id]; timer != nil {
		timer.Stop()
		delete(s.authTimers, client.id)
	}
	s.mu.Unlock()

	client.CloseWithReason("read_error")
	s.guard.Forget(client.id)

	channels := s.registry.Unregister(client.id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range channels {
		if err := s.state.RemoveSubscriber(ctx, ch, client.id); err != nil {
			s.logger.Warn().Err(err).Str("channel", ch).Msg("Cluster subscriber cleanup failed")
		}
	}
	if err := s.state.DeleteConnection(ctx, client.id); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", client.id).Msg("Cluster connection cleanup failed")
	}

	reason := client.reason()
	s.metrics.ConnectionClosed(reason, time.Since(client.connectedAt))
	s.logger.Debug().
		Str("conn_id", client.id).
		Str("reason", reason).
		Dur("lifetime", time.Since(client.connectedAt)).
		Msg("Connection closed")
}

func (s *Server) cancelAuthDeadline(connID string) {
	s.mu.Lock()
	if timer := s.authTimers[connID]; timer != nil {
		timer.Stop()
		delete(s.authTimers, connID)
	}
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"node_id":        s.cfg.NodeID,
		"uptime_seconds": int64(s.health.Uptime().Seconds()),
		"local":          s.registry.Stats(),
	}
	if clusterStats, err := s.state.AggregateStats(r.Context()); err == nil {
		status["cluster"] = clusterStats
	} else {
		s.logger.Warn().Err(err).Msg("Cluster stats unavailable")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// sweepLoop periodically removes orphaned cluster-state keys left behind by
// crashed nodes.
func (s *Server) sweepLoop() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			removed, err := s.state.SweepExpired(ctx)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Cluster state sweep failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("Swept orphaned cluster keys")
			}
		}
	}
}

// Shutdown drains the server: stop accepting, close every client with a
// shutdown notice, then stop background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Int("connections", s.registry.Len()).Msg("Shutting down")

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()
	for _, client := range clients {
		client.Send(errorEnvelope(ErrCodeServerShutdown, "server is shutting down"))
		client.CloseWithReason("server_shutdown")
	}

	// Give pumps a moment to flush the close frames.
	drainDeadline := time.Now().Add(2 * time.Second)
	for s.registry.Len() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := s.registry.Len(); remaining > 0 {
		s.logger.Warn().Int("remaining", remaining).Msg("Drain deadline reached")
	}

	if s.relay != nil {
		s.relay.Close()
	}
	s.cancel()
	s.pool.wait()
	s.guard.Close()
	return err
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
