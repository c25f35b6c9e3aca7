package database

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"classcast/internal/config"
)

type Service interface {
	Health(ctx context.Context) map[string]string
	GetDatabase() *mongo.Database
	Close(ctx context.Context) error
}

type service struct {
	client *mongo.Client
	name   string
	log    *zap.Logger
}

// New connects to MongoDB and verifies the connection with a ping.
func New(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (Service, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(cfg.URI).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongodb")
	}

	log.Info("connected to mongodb", zap.String("database", cfg.Name))
	return &service{client: client, name: cfg.Name, log: log}, nil
}

func (s *service) Health(ctx context.Context) map[string]string {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		s.log.Warn("mongodb health check failed", zap.Error(err))
		return map[string]string{
			"message": "Database is unhealthy",
			"error":   err.Error(),
		}
	}
	return map[string]string{
		"message": "Database is healthy",
		"status":  "connected",
	}
}

func (s *service) GetDatabase() *mongo.Database {
	return s.client.Database(s.name)
}

func (s *service) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
