package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"capturelab/internal/session"
	"capturelab/internal/users"
)

func (s *FiberServer) RegisterFiberRoutes() {
	authMiddleware := users.AuthMiddleware(s.jwtService)

	s.App.Get("/health", s.healthHandler)

	// User routes (public)
	userHandler := users.NewUserHandler(s.userService, s.jwtService)
	s.App.Post("/user/register", userHandler.CreateUser)
	s.App.Post("/user/login", userHandler.LoginUser)

	// Protected routes
	api := s.App.Group("/api", authMiddleware)

	api.Get("/user/me", userHandler.GetUser)

	// Capture routes
	captureHandler := session.NewCaptureHandler(
		s.coordinator,
		s.store,
		s.ingest,
		func() []session.SensorSource { return s.hub.Sources(s.cfg.Capture.SensorNames) },
		s.cfg.Capture.IngestAddr,
	)
	api.Post("/capture/start", captureHandler.StartCapture)
	api.Post("/capture/:id/stop", captureHandler.StopCapture)
	api.Post("/capture/:id/event", captureHandler.LogEvent)
	api.Get("/capture/status", captureHandler.CaptureStatus)
	api.Get("/event-types", captureHandler.EventTypes)

	// Session archive routes
	api.Get("/sessions", captureHandler.ListSessions)
	api.Get("/sessions/:id", captureHandler.GetSession)
	api.Get("/sessions/:id/events", captureHandler.ListSessionEvents)
	api.Get("/sessions/:id/samples", captureHandler.ListSessionSamples)
	api.Get("/sessions/:id/export", captureHandler.ExportSessionEvents)
	api.Get("/sessions/:id/artifact", captureHandler.DownloadArtifact)
	api.Delete("/sessions/:id", captureHandler.DeleteSession)

	// WebSocket route for sensor feeds and live monitoring
	go s.hub.Run()
	wsHandler := session.NewSensorSocketHandler(s.hub, s.coordinator, s.monitor)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws/sensors", authMiddleware, websocket.New(wsHandler.ServeHTTP))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.db.Health())
}
