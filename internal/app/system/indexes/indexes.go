// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/bundlecache/internal/app/store/cachestorage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/*
EnsureAll is called at startup when the MongoDB cache backend is selected.
Each ensure* function is idempotent. Errors are aggregated so every problem
is visible and startup can fail fast.
*/
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	var problems []string

	if err := ensureCaches(ctx, db); err != nil {
		problems = append(problems, cachestorage.CachesCollection+": "+err.Error())
	}
	if err := ensureCacheEntries(ctx, db); err != nil {
		problems = append(problems, cachestorage.EntriesCollection+": "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Core helper: reconcile a set of desired indexes for one collection         */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique *bool  `bson:"unique,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

func isUnique(b *bool) bool { return b != nil && *b }

// Best-effort duplicate-detector (works cross-vendors)
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 { // E11000 duplicate key error index
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 11000 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "E11000") || strings.Contains(strings.ToLower(s), "duplicate key")
}

// Mongo/DocDB sometimes returns IndexOptionsConflict when an index with the
// same keys already exists under a different name (or options differ).
func isOptionsConflictErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "IndexOptionsConflict")
}

func listIndexes(ctx context.Context, coll *mongo.Collection) map[string]existingIndex {
	existing := map[string]existingIndex{} // sig -> index
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return existing
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			zap.L().Warn("failed to decode existing index",
				zap.String("collection", coll.Name()),
				zap.Error(err))
			continue
		}
		existing[keySig(idx.Key)] = idx
	}
	return existing
}

// createErr formats a CreateOne failure, pointing at duplicate entries when a
// unique index cannot be built.
func createErr(coll *mongo.Collection, name string, unique bool, err error) string {
	if isDuplicateKeyErr(err) && unique {
		helper := ""
		if coll.Name() == cachestorage.EntriesCollection {
			helper = " - duplicate cache entries exist. Example finder:\n" +
				`db.cache_entries.aggregate([{ $group: { _id: { c: "$cache", m: "$method", u: "$url" }, n: { $sum: 1 } } }, { $match: { n: { $gt: 1 } } }])`
		}
		return fmt.Sprintf("%s(%s): cannot create unique index (duplicates present)%s", coll.Name(), name, helper)
	}
	return fmt.Sprintf("%s(%s): %v", coll.Name(), name, err)
}

func ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	var errs []string

	for _, m := range models {
		var desiredName string
		var desiredUnique *bool
		if m.Options != nil {
			if m.Options.Name != nil {
				desiredName = *m.Options.Name
			}
			desiredUnique = m.Options.Unique
		}
		desiredSig := keySig(m.Keys.(bson.D))
		unique := isUnique(desiredUnique)

		start := time.Now()
		fields := []zap.Field{
			zap.String("collection", coll.Name()),
			zap.String("name", desiredName),
			zap.String("keys", desiredSig),
			zap.Bool("unique", unique),
		}
		zap.L().Info("ensuring index", fields...)

		ex, found := listIndexes(ctx, coll)[desiredSig]
		if !found {
			created, err := coll.Indexes().CreateOne(ctx, m)
			if err == nil {
				zap.L().Info("index ensured", append(fields,
					zap.String("created_name", created),
					zap.String("took", time.Since(start).String()))...)
				continue
			}
			if !isOptionsConflictErr(err) {
				zap.L().Warn("index ensure failed", append(fields, zap.Error(err))...)
				errs = append(errs, fmt.Sprintf("%s(%s): %v", coll.Name(), desiredName, err))
				continue
			}
			// The keys exist after all under other options; reconcile below.
			if ex, found = listIndexes(ctx, coll)[desiredSig]; !found {
				errs = append(errs, fmt.Sprintf("%s(%s): %v", coll.Name(), desiredName, err))
				continue
			}
		}

		if isUnique(ex.Unique) == unique && (desiredName == "" || ex.Name == desiredName) {
			zap.L().Info("reusing existing index", append(fields,
				zap.String("existing_name", ex.Name),
				zap.String("took", time.Since(start).String()))...)
			continue
		}

		// Name or options differ: drop and recreate.
		if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
			zap.L().Warn("drop existing index failed", append(fields,
				zap.String("existing_name", ex.Name),
				zap.Error(err))...)
			errs = append(errs, fmt.Sprintf("%s(%s): drop failed: %v", coll.Name(), desiredName, err))
			continue
		}
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			errs = append(errs, createErr(coll, desiredName, unique, err))
			continue
		}
		zap.L().Info("index dropped and recreated", append(fields,
			zap.String("replaced", ex.Name),
			zap.String("took", time.Since(start).String()))...)
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Collection-specific index sets                                              */
/* -------------------------------------------------------------------------- */

func ensureCaches(ctx context.Context, db *mongo.Database) error {
	c := db.Collection(cachestorage.CachesCollection)
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Cache names are the upgrade contract; one document per name.
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_cache_name"),
		},
	})
}

func ensureCacheEntries(ctx context.Context, db *mongo.Database) error {
	c := db.Collection(cachestorage.EntriesCollection)
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// One response per request identity within a cache.
		{
			Keys:    bson.D{{Key: "cache", Value: 1}, {Key: "method", Value: 1}, {Key: "url", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_cache_entry"),
		},
		// Keys() walks a cache in insertion order.
		{
			Keys:    bson.D{{Key: "cache", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_cache_entry_seq"),
		},
	})
}
