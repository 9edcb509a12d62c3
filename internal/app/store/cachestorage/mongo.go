package cachestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dalemusser/bundlecache/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the MongoDB backend.
const (
	CachesCollection  = "caches"
	EntriesCollection = "cache_entries"
	BodiesBucket      = "cache_bodies" // GridFS bucket for large bodies
)

// InlineBodyLimit is the largest encoded body stored inside its entry
// document. Larger bodies go to GridFS, since a document may not exceed
// 16 MiB.
const InlineBodyLimit = 8 << 20

// Mongo is a Storage backed by two MongoDB collections: one marker document
// per named cache, and one document per stored response. Bodies above
// InlineBodyLimit live in the BodiesBucket GridFS bucket and are referenced
// from their entry.
//
// A Cache handle obtained before its cache was deleted must not be written to
// again; the worker never does so.
type Mongo struct {
	db        *mongo.Database
	caches    *mongo.Collection
	entries   *mongo.Collection
	compress  bool
	inlineMax int
	seq       atomic.Int64
}

// NewMongo creates a Mongo storage on db. When compress is true, response
// bodies are stored zstd-compressed.
func NewMongo(db *mongo.Database, compress bool) *Mongo {
	m := &Mongo{
		db:        db,
		caches:    db.Collection(CachesCollection),
		entries:   db.Collection(EntriesCollection),
		compress:  compress,
		inlineMax: InlineBodyLimit,
	}
	m.seq.Store(time.Now().UnixNano())
	return m
}

// bucket returns a GridFS handle whose upload and download deadlines follow
// ctx. Handles are per call because the deadlines are bucket state.
func (m *Mongo) bucket(ctx context.Context) (*gridfs.Bucket, error) {
	b, err := gridfs.NewBucket(m.db, options.GridFSBucket().SetName(BodiesBucket))
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = b.SetWriteDeadline(dl)
		_ = b.SetReadDeadline(dl)
	}
	return b, nil
}

// dropBodies deletes GridFS files. A file that is already gone is not an
// error.
func (m *Mongo) dropBodies(ctx context.Context, ids ...primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	b, err := m.bucket(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.DeleteContext(ctx, id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("delete body %s: %w", id.Hex(), err)
		}
	}
	return nil
}

// Open returns the named cache, creating its marker document if needed.
func (m *Mongo) Open(ctx context.Context, name string) (Cache, error) {
	_, err := m.caches.UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$setOnInsert": bson.M{"name": name, "created_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &mongoCache{store: m, name: name}, nil
}

// Has reports whether the named cache exists.
func (m *Mongo) Has(ctx context.Context, name string) (bool, error) {
	n, err := m.caches.CountDocuments(ctx, bson.M{"name": name}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("has cache %q: %w", name, err)
	}
	return n > 0, nil
}

// Delete removes the named cache and every entry stored in it.
func (m *Mongo) Delete(ctx context.Context, name string) (bool, error) {
	res, err := m.caches.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	files, err := m.bodyFiles(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	if _, err := m.entries.DeleteMany(ctx, bson.M{"cache": name}); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	if err := m.dropBodies(ctx, files...); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	return res.DeletedCount > 0, nil
}

// bodyFiles lists the GridFS files referenced by entries of the named cache.
func (m *Mongo) bodyFiles(ctx context.Context, name string) ([]primitive.ObjectID, error) {
	cur, err := m.entries.Find(ctx,
		bson.M{"cache": name, "body_file": bson.M{"$exists": true}},
		options.Find().SetProjection(bson.M{"body_file": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []primitive.ObjectID
	for cur.Next(ctx) {
		var e models.CacheEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		if e.BodyFile != nil {
			ids = append(ids, *e.BodyFile)
		}
	}
	return ids, cur.Err()
}

// Names lists caches in creation order.
func (m *Mongo) Names(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"name": 1})
	cur, err := m.caches.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer cur.Close(ctx)

	var names []string
	for cur.Next(ctx) {
		var nc models.NamedCache
		if err := cur.Decode(&nc); err != nil {
			return nil, err
		}
		names = append(names, nc.Name)
	}
	return names, cur.Err()
}

type mongoCache struct {
	store *Mongo
	name  string
}

func (c *mongoCache) Name() string { return c.name }

func (c *mongoCache) filter(req Request) bson.M {
	req = req.normalized()
	return bson.M{"cache": c.name, "method": req.Method, "url": req.URL}
}

func (c *mongoCache) Match(ctx context.Context, req Request) (*Response, error) {
	var e models.CacheEntry
	err := c.store.entries.FindOne(ctx, c.filter(req)).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match %s in %q: %w", req.Identity(), c.name, err)
	}
	raw := e.Body
	if e.BodyFile != nil {
		b, err := c.store.bucket(ctx)
		if err != nil {
			return nil, fmt.Errorf("match %s in %q: %w", req.Identity(), c.name, err)
		}
		var buf bytes.Buffer
		if _, err := b.DownloadToStream(*e.BodyFile, &buf); err != nil {
			return nil, fmt.Errorf("match %s in %q: body: %w", req.Identity(), c.name, err)
		}
		raw = buf.Bytes()
	}
	body, err := decodeBody(raw, e.Encoding)
	if err != nil {
		return nil, fmt.Errorf("match %s in %q: %w", req.Identity(), c.name, err)
	}
	return &Response{
		Status: e.Status,
		Header: e.Header,
		Body:   body,
		URL:    e.RespURL,
	}, nil
}

func (c *mongoCache) Put(ctx context.Context, req Request, resp *Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	req = req.normalized()
	body, enc, err := encodeBody(resp.Body, c.store.compress)
	if err != nil {
		return fmt.Errorf("put %s in %q: %w", req.Identity(), c.name, err)
	}
	if body == nil {
		body = []byte{}
	}
	entry := models.CacheEntry{
		Cache:     c.name,
		Method:    req.Method,
		URL:       req.URL,
		Status:    resp.Status,
		Header:    resp.Header.Clone(),
		Body:      body,
		Encoding:  enc,
		Size:      int64(len(resp.Body)),
		Seq:       c.store.seq.Add(1),
		RespURL:   resp.URL,
		CreatedAt: time.Now().UTC(),
	}

	if len(body) > c.store.inlineMax {
		b, err := c.store.bucket(ctx)
		if err != nil {
			return fmt.Errorf("put %s in %q: %w", req.Identity(), c.name, err)
		}
		id, err := b.UploadFromStream(c.name+" "+req.Identity(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("put %s in %q: upload body: %w", req.Identity(), c.name, err)
		}
		entry.Body = nil
		entry.BodyFile = &id
	}

	var prev models.CacheEntry
	opts := options.FindOneAndReplace().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"body_file": 1})
	err = c.store.entries.FindOneAndReplace(ctx, c.filter(req), entry, opts).Decode(&prev)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		if entry.BodyFile != nil {
			_ = c.store.dropBodies(ctx, *entry.BodyFile)
		}
		return fmt.Errorf("put %s in %q: %w", req.Identity(), c.name, err)
	}
	if prev.BodyFile != nil {
		if err := c.store.dropBodies(ctx, *prev.BodyFile); err != nil {
			return fmt.Errorf("put %s in %q: %w", req.Identity(), c.name, err)
		}
	}
	return nil
}

func (c *mongoCache) Delete(ctx context.Context, req Request) (bool, error) {
	var prev models.CacheEntry
	opts := options.FindOneAndDelete().SetProjection(bson.M{"body_file": 1})
	err := c.store.entries.FindOneAndDelete(ctx, c.filter(req), opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s in %q: %w", req.Identity(), c.name, err)
	}
	if prev.BodyFile != nil {
		if err := c.store.dropBodies(ctx, *prev.BodyFile); err != nil {
			return true, fmt.Errorf("delete %s in %q: %w", req.Identity(), c.name, err)
		}
	}
	return true, nil
}

func (c *mongoCache) Keys(ctx context.Context) ([]Request, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetProjection(bson.M{"method": 1, "url": 1})
	cur, err := c.store.entries.Find(ctx, bson.M{"cache": c.name}, opts)
	if err != nil {
		return nil, fmt.Errorf("keys of %q: %w", c.name, err)
	}
	defer cur.Close(ctx)

	var out []Request
	for cur.Next(ctx) {
		var e models.CacheEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, Request{Method: e.Method, URL: e.URL})
	}
	return out, cur.Err()
}
