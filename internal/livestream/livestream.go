package livestream

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LiveStream is the persisted record of one broadcast session, shared across
// clients. IsActive is true exactly while the broadcast is ongoing.
type LiveStream struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CreatedBy   string             `bson:"created_by" json:"created_by"`
	StreamURL   string             `bson:"stream_url" json:"stream_url"`
	IsActive    bool               `bson:"is_active" json:"is_active"`
	Title       string             `bson:"title" json:"title"`
	Description string             `bson:"description" json:"description"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	EndedAt     *time.Time         `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// RecordedStream is created once after a successful upload of a finished
// broadcast's recording and is immutable thereafter.
type RecordedStream struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CreatedBy       string             `bson:"created_by" json:"created_by"`
	Title           string             `bson:"title" json:"title"`
	Description     string             `bson:"description" json:"description"`
	MediaURL        string             `bson:"media_url" json:"media_url"`
	ThumbnailURL    string             `bson:"thumbnail_url,omitempty" json:"thumbnail_url,omitempty"`
	DurationSeconds float64            `bson:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	CreatorName     string             `bson:"creator_name,omitempty" json:"creator_name,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
}

type StartStreamRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// generateStreamKey creates the opaque session token correlating a live
// broadcast's database record with its signaling channel.
func generateStreamKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
