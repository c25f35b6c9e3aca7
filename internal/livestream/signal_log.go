package livestream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SignalLog is the durable fallback store behind the signaling channel. Every
// published message is appended here even when live fan-out fails, so late
// joiners and reconnecting peers can replay what they missed.
type SignalLog interface {
	Append(ctx context.Context, msg SignalMessage) error
	Since(ctx context.Context, t time.Time) ([]SignalMessage, error)
}

// MemorySignalLog keeps the most recent messages in a bounded ring.
type MemorySignalLog struct {
	mu   sync.Mutex
	msgs []SignalMessage
	cap  int
}

func NewMemorySignalLog(capacity int) *MemorySignalLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySignalLog{cap: capacity}
}

func (l *MemorySignalLog) Append(_ context.Context, msg SignalMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	if len(l.msgs) > l.cap {
		l.msgs = l.msgs[len(l.msgs)-l.cap:]
	}
	return nil
}

func (l *MemorySignalLog) Since(_ context.Context, t time.Time) ([]SignalMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SignalMessage, 0, len(l.msgs))
	for _, m := range l.msgs {
		if !m.SentAt.Before(t) {
			out = append(out, m)
		}
	}
	return out, nil
}

// MongoSignalLog persists signals to the shared database so peers on other
// machines can catch up through the relay. Replays return at most limit
// messages, keeping the newest when the window overflows.
type MongoSignalLog struct {
	collection *mongo.Collection
	limit      int
}

func NewMongoSignalLog(db *mongo.Database, limit int) *MongoSignalLog {
	if limit <= 0 {
		limit = 256
	}
	return &MongoSignalLog{collection: db.Collection("signals"), limit: limit}
}

func (l *MongoSignalLog) Append(ctx context.Context, msg SignalMessage) error {
	if _, err := l.collection.InsertOne(ctx, msg); err != nil {
		return errors.Wrap(err, "append signal")
	}
	return nil
}

func (l *MongoSignalLog) Since(ctx context.Context, t time.Time) ([]SignalMessage, error) {
	// Newest-first with a limit so a long-lived log cannot flood a replay,
	// then flipped back to publish order for the handler.
	opts := options.Find().SetSort(bson.M{"sent_at": -1}).SetLimit(int64(l.limit))
	cursor, err := l.collection.Find(ctx, bson.M{"sent_at": bson.M{"$gte": t}}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "query signals")
	}
	defer cursor.Close(ctx)

	var msgs []SignalMessage
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "decode signals")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
