package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"classcast/internal/livestream"
	"classcast/internal/users"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/", s.HelloWorldHandler)
	s.App.Get("/health", s.healthHandler)

	// User routes (public routes)
	userHandler := users.NewUserHandler(s.userService, s.jwtService)
	s.App.Post("/user/register", userHandler.CreateUser)
	s.App.Post("/user/login", userHandler.LoginUser)

	// Protected routes
	api := s.App.Group("/api", users.AuthMiddleware(s.jwtService))

	api.Get("/user/me", userHandler.GetUser)

	// Livestream routes
	livestreamHandler := livestream.NewLivestreamHandler(s.coordinator, s.viewers, s.sessionRepo)
	api.Post("/livestream/start", livestreamHandler.StartStream)
	api.Post("/livestream/stop", livestreamHandler.StopStream)
	api.Get("/livestream/active", livestreamHandler.GetActiveStream)
	api.Get("/livestream/state", livestreamHandler.GetSessionState)
	api.Post("/livestream/join/:token", livestreamHandler.JoinStream)
	api.Get("/livestream/recordings", livestreamHandler.ListRecordings)

	// WebSocket signaling relay
	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", users.AuthMiddleware(s.jwtService), websocket.New(s.relay.ServeWS))
}

func (s *FiberServer) HelloWorldHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "classcast signaling service",
	})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.db.Health(c.Context()))
}
