package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/internal/ticks"
)

// DemoAccountID is the synthetic account whose tick streams are
// generated locally, so the UI works before any broker account exists.
const DemoAccountID = "default"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the fronting proxy.
		return true
	},
}

// Server exposes the WebSocket URL surface over a hub.
type Server struct {
	hub    *Hub
	auth   *Authenticator
	cfg    config.RealtimeConfig
	logger *slog.Logger

	demoMu    sync.Mutex
	demoFeeds map[string]bool
	demoEvery time.Duration
}

func NewServer(hub *Hub, cfg config.RealtimeConfig, logger *slog.Logger) *Server {
	return &Server{
		hub:       hub,
		auth:      NewAuthenticator(cfg.JWTSecret),
		cfg:       cfg,
		logger:    logger.With("component", "ws-server"),
		demoFeeds: make(map[string]bool),
		demoEvery: time.Second,
	}
}

// Routes returns the handler for the fan-out URL surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/market-data/{account_id}/{instrument}/", s.handleMarketData)
	mux.HandleFunc("GET /ws/positions/{account_id}/", s.handlePositions)
	mux.HandleFunc("GET /ws/admin/dashboard/", s.handleAdmin)
	mux.HandleFunc("GET /ws/admin/notifications/", s.handleAdmin)
	return mux
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	instrument := r.PathValue("instrument")
	conn, _, ok := s.accept(w, r, func(c *Claims) bool { return c.CanWatch(accountID) })
	if !ok {
		return
	}
	s.attach(conn, []string{TickGroup(accountID, instrument)})
	// The feed starts after the subscription lands so it sees a
	// non-empty group immediately.
	if accountID == DemoAccountID {
		s.ensureDemoFeed(instrument)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account_id")
	conn, _, ok := s.accept(w, r, func(c *Claims) bool { return c.CanWatch(accountID) })
	if !ok {
		return
	}
	s.attach(conn, []string{PositionGroup(accountID)})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	conn, _, ok := s.accept(w, r, func(c *Claims) bool { return c.Staff })
	if !ok {
		return
	}
	s.attach(conn, []string{AdminGroup})
}

// accept upgrades the connection and enforces authentication and the
// endpoint's authorisation rule. Close codes follow the surface
// contract: 4001 unauthenticated, 4003 unauthorised.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, authorised func(*Claims) bool) (*websocket.Conn, *Claims, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return nil, nil, false
	}
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		s.refuse(conn, CloseUnauthenticated, "authentication required")
		return nil, nil, false
	}
	if !authorised(claims) {
		s.refuse(conn, CloseForbidden, "not authorised for this stream")
		return nil, nil, false
	}
	return conn, claims, true
}

func (s *Server) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (s *Server) attach(conn *websocket.Conn, groups []string) {
	NewClient(s.hub, conn, groups, BatchConfig{
		Size:     s.cfg.BatchSize,
		Interval: s.cfg.BatchInterval,
	}, s.logger)
}

// ensureDemoFeed starts the synthetic walk for an instrument once; the
// feed retires itself after the group sits empty for a while.
func (s *Server) ensureDemoFeed(instrument string) {
	s.demoMu.Lock()
	defer s.demoMu.Unlock()
	if s.demoFeeds[instrument] {
		return
	}
	s.demoFeeds[instrument] = true
	go s.runDemoFeed(instrument)
}

const demoIdleLimit = 30

// DemoNoticeEvery is how many synthetic ticks pass between reminders
// that the demo stream is not real market data.
const DemoNoticeEvery = 60

func (s *Server) runDemoFeed(instrument string) {
	defer func() {
		s.demoMu.Lock()
		delete(s.demoFeeds, instrument)
		s.demoMu.Unlock()
	}()

	src := ticks.NewSyntheticSource(instrument, time.Now().Unix(), 0)
	group := TickGroup(DemoAccountID, instrument)
	pace := time.NewTicker(s.demoEvery)
	defer pace.Stop()

	served, idle := 0, 0
	for range pace.C {
		if s.hub.GroupSize(group) == 0 {
			idle++
			if idle >= demoIdleLimit {
				return
			}
			continue
		}
		idle = 0
		tick, ok, err := src.Next(context.Background())
		if err != nil || !ok {
			return
		}
		s.hub.Publish(group, EncodeTick(tick), true)
		served++
		if served%DemoNoticeEvery == 0 {
			s.hub.PublishJSON(group, map[string]any{
				"type":    "demo_notice",
				"message": "synthetic demo stream, not live market data",
			})
		}
	}
}
