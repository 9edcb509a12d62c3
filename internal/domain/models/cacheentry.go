package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NamedCache is the marker document for one named cache store.
type NamedCache struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	CreatedAt time.Time          `bson:"created_at"`
}

// CacheEntry is one stored response inside a named cache.
//
// Body holds the encoded response body; Encoding names the codec ("" for raw,
// "zstd" for compressed). Encoded bodies too large to inline are kept in
// GridFS and BodyFile points at them instead. Seq preserves insertion order
// for Keys.
type CacheEntry struct {
	ID       primitive.ObjectID  `bson:"_id,omitempty"`
	Cache    string              `bson:"cache"`
	Method   string              `bson:"method"`
	URL      string              `bson:"url"`
	Status   int                 `bson:"status"`
	Header   map[string][]string `bson:"header,omitempty"`
	Body     []byte              `bson:"body"`
	BodyFile *primitive.ObjectID `bson:"body_file,omitempty"`
	Encoding string              `bson:"encoding,omitempty"`
	Size     int64               `bson:"size"` // decoded body length
	Seq      int64               `bson:"seq"`

	RespURL   string    `bson:"resp_url,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}
