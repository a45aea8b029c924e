package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"capturelab/internal/config"
	"capturelab/internal/database"
	"capturelab/internal/session"
	"capturelab/internal/users"
)

type FiberServer struct {
	*fiber.App
	cfg *config.Config
	db  database.Service

	store       *session.MongoStore
	coordinator *session.Coordinator
	ingest      *session.RTMPIngest
	hub         *session.SensorHub
	monitor     *session.Monitor

	userService *users.UserService
	jwtService  *users.JWTService
}

func New(cfg *config.Config, db database.Service) (*FiberServer, error) {
	app := fiber.New(fiber.Config{
		ServerHeader: "capturelab",
		AppName:      "capturelab",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	store, err := session.NewMongoStore(db.GetDatabase())
	if err != nil {
		return nil, err
	}

	monitor, err := session.NewMonitor()
	if err != nil {
		return nil, err
	}

	hub := session.NewSensorHub()

	catalog := make([]session.EventType, 0, len(cfg.Capture.EventTypes))
	for _, et := range cfg.Capture.EventTypes {
		catalog = append(catalog, session.EventType{ID: et.ID, Label: et.Label})
	}

	coordinator := session.NewCoordinator(store, catalog,
		session.WithNotifier(hub),
		session.WithMonitor(monitor),
		session.WithMaxBufferedBytes(cfg.Capture.MaxBufferBytes),
	)

	server := &FiberServer{
		App:         app,
		cfg:         cfg,
		db:          db,
		store:       store,
		coordinator: coordinator,
		ingest:      session.NewRTMPIngest(cfg.Capture.RTMPPort, cfg.Capture.ChunkInterval),
		hub:         hub,
		monitor:     monitor,
		userService: users.NewUserService(db.GetDatabase()),
		jwtService:  users.NewJWTService(cfg.JWT.SecretKey, cfg.JWT.Expiration),
	}
	server.applyMiddleware()

	return server, nil
}

// Ingest exposes the RTMP listener so main can run it alongside the HTTP
// server.
func (s *FiberServer) Ingest() *session.RTMPIngest {
	return s.ingest
}

// Coordinator exposes the session coordinator for shutdown flushing.
func (s *FiberServer) Coordinator() *session.Coordinator {
	return s.coordinator
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Security.CORSOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Use(limiter.New(limiter.Config{
		Max:        s.cfg.Security.RateLimit,
		Expiration: s.cfg.Security.RateWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
}
