package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

type Settings struct {
	Session      chat.Options
	CommandRate  float64
	CommandBurst int
}

type Server struct {
	store    backend.Store
	feed     backend.Feed
	settings Settings
	clients  *Registry
	log      *zap.Logger
}

func New(store backend.Store, feed backend.Feed, settings Settings, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:    store,
		feed:     feed,
		settings: settings,
		clients:  NewRegistry(),
		log:      log,
	}
}

func (s *Server) Clients() *Registry { return s.clients }

func (s *Server) Routes(app *fiber.App) {
	app.Use("/api/ws", upgradeOnly)
	app.Get("/api/ws/session/:user", websocket.New(s.SessionHandler))

	app.Get("/api/profiles", s.ProfilesHandler)          // ?exclude=userId
	app.Get("/api/groups", s.GroupsHandler)              // ?user=
	app.Get("/api/groups/:id/members", s.MembersHandler) // -> [{group_id,user_id,joined_at}]
	app.Get("/api/sessions", s.SessionsHandler)          // ?exclude=clientOrUserId
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", MetricsHandler())
}

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// SessionHandler GET /api/ws/session/:user
func (s *Server) SessionHandler(conn *websocket.Conn) {
	user := strings.TrimSpace(conn.Params("user"))
	ctx := context.Background()
	sess, err := chat.NewSession(ctx, user, s.store, s.feed, s.log.Named("session"), s.settings.Session)
	if err != nil {
		s.log.Warn("open session", zap.String("user", user), zap.Error(err))
		_ = conn.WriteJSON(chat.Event{Type: chat.EventError, Error: err.Error()})
		_ = conn.Close()
		return
	}
	client := NewClient(uuid.NewString(), conn, sess, s.limiter(), s.settings.Session.EventBuffer, s.log.Named("ws"))
	s.clients.Register(client)
	defer s.clients.Unregister(client)
	client.Run(ctx)
}

func (s *Server) limiter() *rate.Limiter {
	if s.settings.CommandRate <= 0 {
		return nil
	}
	burst := s.settings.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.settings.CommandRate), burst)
}

// ProfilesHandler GET /api/profiles?exclude=userId
func (s *Server) ProfilesHandler(c *fiber.Ctx) error {
	ps, err := s.store.ProfilesExcept(c.UserContext(), c.Query("exclude"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(ps)
}

// GroupsHandler GET /api/groups?user=
func (s *Server) GroupsHandler(c *fiber.Ctx) error {
	user := strings.TrimSpace(c.Query("user"))
	if user == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing user"})
	}
	gs, err := s.store.GroupsForUser(c.UserContext(), user)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(gs)
}

// MembersHandler GET /api/groups/:id/members
func (s *Server) MembersHandler(c *fiber.Ctx) error {
	ms, err := s.store.GroupMembers(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(ms)
}

// SessionsHandler GET /api/sessions?exclude=clientOrUserId
func (s *Server) SessionsHandler(c *fiber.Ctx) error {
	return c.JSON(s.clients.List(c.Query("exclude")))
}

// MetricsHandler serves the prometheus registry over fasthttp.
func MetricsHandler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if errors.Is(err, backend.ErrNotFound) {
		code = fiber.StatusNotFound
	}
	s.log.Warn("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
