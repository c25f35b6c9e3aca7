package server

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"go.uber.org/zap"

	"classcast/internal/config"
	"classcast/internal/database"
	"classcast/internal/livestream"
	"classcast/internal/users"
)

// FiberServer wires configuration, storage and the streaming services into
// one Fiber application. All services are constructed here and injected; no
// package-level state.
type FiberServer struct {
	*fiber.App

	cfg *config.Config
	db  database.Service
	log *zap.Logger

	userService *users.UserService
	jwtService  *users.JWTService

	sessionRepo livestream.SessionRepository
	store       *livestream.SessionStore
	channel     *livestream.SignalingChannel
	peers       *livestream.PeerManager
	coordinator *livestream.Coordinator
	viewers     *livestream.ViewerSessions
	hub         *livestream.SignalHub
	relay       *livestream.SignalRelay
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*FiberServer, error) {
	app := fiber.New(fiber.Config{
		ServerHeader: "classcast",
		AppName:      "classcast",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	db, err := database.New(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	mongoDB := db.GetDatabase()

	userService := users.NewUserService(mongoDB)
	jwtService := users.NewJWTService(cfg.JWT.SecretKey, cfg.JWT.Expiration)

	sessionRepo := livestream.NewLivestreamService(mongoDB, log)
	store := livestream.NewSessionStore(log)
	channel := livestream.NewSignalingChannel(
		livestream.NewMongoSignalLog(mongoDB, cfg.Stream.SignalLogSize), log)

	peers, err := livestream.NewPeerManager(
		"host", livestream.RoleBroadcaster, cfg.Stream.ICEServers, channel, log)
	if err != nil {
		return nil, err
	}

	coordinator := livestream.NewCoordinator(livestream.CoordinatorOptions{
		Role:         livestream.RoleBroadcaster,
		SelfID:       "host",
		Capture:      livestream.NewCaptureDevice(log),
		Store:        store,
		Channel:      channel,
		Peers:        peers,
		Recorder:     livestream.NewRecorder(cfg.Stream.RecordInterval, log),
		Repo:         sessionRepo,
		Uploader:     newUploader(cfg.Stream, log),
		Auth:         livestream.RoleCheckerFunc(userService.CanBroadcast),
		DBTimeout:    cfg.Stream.DBTimeout,
		PollInterval: cfg.Stream.PollInterval,
		JoinWait:     cfg.Stream.JoinWait,
		Log:          log,
	})

	viewers := livestream.NewViewerSessions(channel, cfg.Stream.ICEServers, cfg.Stream.JoinWait, log)

	hub := livestream.NewSignalHub(log)
	relay := livestream.NewSignalRelay(hub, channel, coordinator, log)

	server := &FiberServer{
		App:         app,
		cfg:         cfg,
		db:          db,
		log:         log,
		userService: userService,
		jwtService:  jwtService,
		sessionRepo: sessionRepo,
		store:       store,
		channel:     channel,
		peers:       peers,
		coordinator: coordinator,
		viewers:     viewers,
		hub:         hub,
		relay:       relay,
	}
	server.applyMiddleware()

	return server, nil
}

// newUploader returns nil when no endpoint is configured; the coordinator
// then skips the upload step after a recording finalizes.
func newUploader(cfg config.StreamConfig, log *zap.Logger) livestream.StorageUploader {
	if cfg.UploadEndpoint == "" {
		return nil
	}
	return livestream.NewCloudUploader(cfg.UploadEndpoint, cfg.UploadPreset, cfg.UploadTimeout, log)
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

// Run starts the background loops: the signaling hub, the session reconcile
// loop and the database change watcher feeding it.
func (s *FiberServer) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.coordinator.RunReconcile(ctx)
	go func() {
		if svc, ok := s.sessionRepo.(*livestream.LivestreamService); ok {
			if err := svc.WatchLiveStreams(ctx, s.coordinator.Notify); err != nil {
				s.log.Warn("change stream unavailable, polling only", zap.Error(err))
			}
		}
	}()
}

// Shutdown stops the HTTP listener and closes peer links and the database.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	err := s.App.ShutdownWithContext(ctx)
	s.peers.Close()
	s.viewers.Close()
	if dbErr := s.db.Close(ctx); dbErr != nil && err == nil {
		err = dbErr
	}
	return err
}
