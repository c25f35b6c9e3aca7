package livestream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// SessionRepository is the persisted record store consumed by the lifecycle
// coordinator. LivestreamService is the MongoDB implementation; tests swap in
// an in-memory one.
type SessionRepository interface {
	CreateLive(ctx context.Context, rec *LiveStream) error
	// CloseAllFor marks every active record of one broadcaster as ended and
	// returns how many were closed. More than one is a data anomaly that stop
	// cleans up defensively.
	CloseAllFor(ctx context.Context, userID string, endedAt time.Time) (int64, error)
	// ActiveStream returns the most recent active record, or nil.
	ActiveStream(ctx context.Context) (*LiveStream, error)
	InsertRecording(ctx context.Context, rec *RecordedStream) error
	ListRecordings(ctx context.Context) ([]*RecordedStream, error)
}

type LivestreamService struct {
	liveCollection     *mongo.Collection
	recordedCollection *mongo.Collection
	log                *zap.Logger
}

func NewLivestreamService(db *mongo.Database, log *zap.Logger) *LivestreamService {
	return &LivestreamService{
		liveCollection:     db.Collection("live_streams"),
		recordedCollection: db.Collection("recorded_streams"),
		log:                log,
	}
}

func (s *LivestreamService) CreateLive(ctx context.Context, rec *LiveStream) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, err := s.liveCollection.InsertOne(ctx, rec); err != nil {
		return errors.Wrap(err, "insert live stream")
	}
	return nil
}

func (s *LivestreamService) CloseAllFor(ctx context.Context, userID string, endedAt time.Time) (int64, error) {
	result, err := s.liveCollection.UpdateMany(ctx,
		bson.M{"created_by": userID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "ended_at": endedAt}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "close live streams")
	}
	return result.ModifiedCount, nil
}

func (s *LivestreamService) ActiveStream(ctx context.Context) (*LiveStream, error) {
	opts := options.FindOne().SetSort(bson.M{"created_at": -1})
	var rec LiveStream
	err := s.liveCollection.FindOne(ctx, bson.M{"is_active": true}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find active stream")
	}
	return &rec, nil
}

func (s *LivestreamService) InsertRecording(ctx context.Context, rec *RecordedStream) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, err := s.recordedCollection.InsertOne(ctx, rec); err != nil {
		return errors.Wrap(err, "insert recorded stream")
	}
	return nil
}

func (s *LivestreamService) ListRecordings(ctx context.Context) ([]*RecordedStream, error) {
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	cursor, err := s.recordedCollection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list recordings")
	}
	defer cursor.Close(ctx)

	var recs []*RecordedStream
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, errors.Wrap(err, "decode recordings")
	}
	for _, r := range recs {
		if r.CreatorName == "" {
			r.CreatorName = "Unknown"
		}
	}
	return recs, nil
}

// WatchLiveStreams is the push-notification fast path: it follows the
// live_streams change stream and nudges the coordinator's reconcile loop on
// every change. Polling remains the correctness backstop; missed events here
// are caught by the next poll.
func (s *LivestreamService) WatchLiveStreams(ctx context.Context, notify func()) error {
	stream, err := s.liveCollection.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return errors.Wrap(err, "watch live streams")
	}
	defer stream.Close(ctx)

	for stream.Next(ctx) {
		notify()
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.log.Warn("live stream watch ended", zap.Error(err))
		return errors.Wrap(err, "change stream")
	}
	return nil
}
