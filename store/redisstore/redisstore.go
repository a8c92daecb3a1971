// Package redisstore is a types.Store over Redis.
//
// Each document is a JSON string at "<prefix>doc:<collection>:<id>", and the
// ids of a collection are members of the set "<prefix>coll:<collection>".
// Mutations run as WATCH / MULTI transactions which are retried on conflict.
package redisstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/krisalay/doccache/types"
)

// Options configure a connection to Redis.
type Options struct {
	Address  string `long:"address" env:"ADDRESS" default:"localhost:6379" description:"Redis host:port"`
	Password string `long:"password" env:"PASSWORD" description:"Redis password"`
	DB       int    `long:"db" env:"DB" default:"0" description:"Redis database index"`
	Prefix   string `long:"prefix" env:"PREFIX" default:"doccache:" description:"Prefix of every key"`
}

// scanBatch is the number of documents fetched per MGET of a scan.
const scanBatch = 256

// maxConflicts bounds the retries of a transaction which lost a WATCH race.
const maxConflicts = 16

// Store keeps documents in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ types.Store = (*Store)(nil)

// New returns a Store over a new client of opts.
func New(opts Options) *Store {
	log.WithFields(log.Fields{
		"address": opts.Address,
		"db":      opts.DB,
	}).Info("opening redis store")

	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.Prefix)
}

// NewWithClient returns a Store over client, with keys under prefix.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return errors.WithMessage(s.client.Ping(ctx).Err(), "pinging redis")
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) docKey(collection, id string) string {
	return s.prefix + "doc:" + collection + ":" + id
}

func (s *Store) collKey(collection string) string {
	return s.prefix + "coll:" + collection
}

func (s *Store) FindOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	var _, doc, err = s.match(ctx, s.client, collection, filter)
	return doc, err
}

func (s *Store) FindDistinct(ctx context.Context, collection, field string, filter types.Filter) ([]any, error) {
	var out []any
	var err = s.scan(ctx, s.client, collection, func(d types.Document) bool {
		var v, ok = d[field]
		if !ok || !filter.Matches(d) {
			return true
		}
		for _, o := range out {
			if types.ValuesEqual(o, v) {
				return true
			}
		}
		out = append(out, v)
		return true
	})
	return out, err
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc types.Document) (string, error) {
	doc = doc.Clone()
	if doc == nil {
		doc = types.Document{}
	}
	var id = doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc[types.IDField] = id
	}
	var b, err = json.Marshal(doc)
	if err != nil {
		return "", errors.WithMessage(err, "marshal document")
	}

	var key = s.docKey(collection, id)
	err = s.transact(ctx, func(tx *redis.Tx) error {
		if n, err := tx.Exists(ctx, key).Result(); err != nil {
			return err
		} else if n != 0 {
			return errors.Errorf("duplicate id %q in %s", id, collection)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			pipe.SAdd(ctx, s.collKey(collection), id)
			return nil
		})
		return err
	}, key)

	if err != nil {
		return "", errors.WithMessagef(err, "inserting into %s", collection)
	}
	return id, nil
}

func (s *Store) ReplaceOne(ctx context.Context, collection string, filter types.Filter, doc types.Document, upsert bool) (bool, error) {
	var matched bool

	var err = s.transact(ctx, func(tx *redis.Tx) error {
		var next = doc.Clone()
		if next == nil {
			next = types.Document{}
		}
		id, cur, err := s.match(ctx, tx, collection, filter)
		if err != nil {
			return err
		}
		matched = cur != nil

		if matched {
			if did := next.ID(); did != "" && did != id {
				return errors.Errorf("replacement id %q differs from matched %q", did, id)
			}
			next[types.IDField] = cur[types.IDField]
		} else if !upsert {
			return nil
		} else if next.ID() == "" {
			if fid, ok := filter.ID(); ok {
				next[types.IDField] = fid
			} else {
				next[types.IDField] = uuid.NewString()
			}
		}
		return s.put(ctx, tx, collection, next)
	}, s.keysOf(collection, filter, doc)...)

	if err != nil {
		return false, errors.WithMessagef(err, "replacing in %s", collection)
	}
	return matched, nil
}

func (s *Store) UpdateOne(ctx context.Context, collection string, filter types.Filter, update types.Update, upsert bool) (types.Document, error) {
	var out types.Document

	var err = s.transact(ctx, func(tx *redis.Tx) error {
		out = nil

		_, cur, err := s.match(ctx, tx, collection, filter)
		if err != nil {
			return err
		}
		if cur == nil {
			if !upsert {
				return nil
			}
			cur = types.SeedFromFilter(filter)
			if cur.ID() == "" {
				cur[types.IDField] = uuid.NewString()
			}
		}
		next, err := types.ApplyUpdate(cur, update)
		if err != nil {
			return err
		}
		if err = s.put(ctx, tx, collection, next); err != nil {
			return err
		}
		out = next
		return nil
	}, s.keysOf(collection, filter, nil)...)

	if err != nil {
		return nil, errors.WithMessagef(err, "updating in %s", collection)
	}
	return out, nil
}

func (s *Store) DeleteOne(ctx context.Context, collection string, filter types.Filter) (types.Document, error) {
	var out types.Document

	var err = s.transact(ctx, func(tx *redis.Tx) error {
		out = nil

		id, cur, err := s.match(ctx, tx, collection, filter)
		if err != nil || cur == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.docKey(collection, id))
			pipe.SRem(ctx, s.collKey(collection), id)
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}, s.keysOf(collection, filter, nil)...)

	if err != nil {
		return nil, errors.WithMessagef(err, "deleting from %s", collection)
	}
	return out, nil
}

// keysOf returns the keys a mutation matching filter must WATCH up front.
// Documents found by a scan are watched as they are matched.
func (s *Store) keysOf(collection string, filter types.Filter, doc types.Document) []string {
	var keys = []string{s.collKey(collection)}
	if id, ok := filter.ID(); ok {
		keys = append(keys, s.docKey(collection, id))
	}
	if id := doc.ID(); id != "" {
		keys = append(keys, s.docKey(collection, id))
	}
	return keys
}

// transact runs fn in a WATCH of keys, retrying when the transaction
// loses a race with another writer.
func (s *Store) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var b = retry.WithMaxRetries(maxConflicts, retry.WithJitterPercent(50, retry.NewExponential(time.Millisecond)))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		var err = s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) put(ctx context.Context, tx *redis.Tx, collection string, doc types.Document) error {
	var b, err = json.Marshal(doc)
	if err != nil {
		return errors.WithMessage(err, "marshal document")
	}
	var id = doc.ID()

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(collection, id), b, 0)
		pipe.SAdd(ctx, s.collKey(collection), id)
		return nil
	})
	return err
}

// cmdable is the subset of commands shared by a client and a transaction.
type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// match returns the first document matching filter, in id order. Within a
// transaction, the matched document's key is watched too.
func (s *Store) match(ctx context.Context, c cmdable, collection string, filter types.Filter) (string, types.Document, error) {
	if id, ok := filter.ID(); ok {
		var b, err = c.Get(ctx, s.docKey(collection, id)).Bytes()
		if err == redis.Nil {
			return "", nil, nil
		} else if err != nil {
			return "", nil, err
		}
		doc, err := decode(b)
		if err != nil || !filter.Matches(doc) {
			return "", nil, err
		}
		return id, doc, nil
	}

	var found types.Document
	var err = s.scan(ctx, c, collection, func(d types.Document) bool {
		if filter.Matches(d) {
			found = d
			return false
		}
		return true
	})
	if err != nil || found == nil {
		return "", nil, err
	}
	if tx, ok := c.(*redis.Tx); ok {
		if err = tx.Watch(ctx, s.docKey(collection, found.ID())).Err(); err != nil {
			return "", nil, err
		}
	}
	return found.ID(), found, nil
}

// scan calls fn with every document of collection in id order, until fn
// returns false.
func (s *Store) scan(ctx context.Context, c cmdable, collection string, fn func(types.Document) bool) error {
	var ids, err = c.SMembers(ctx, s.collKey(collection)).Result()
	if err != nil {
		return err
	}
	sort.Strings(ids)

	for len(ids) != 0 {
		var n = min(len(ids), scanBatch)
		var keys = make([]string, n)
		for i, id := range ids[:n] {
			keys[i] = s.docKey(collection, id)
		}
		ids = ids[n:]

		vals, err := c.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			var str, ok = v.(string)
			if !ok {
				continue // Deleted since SMEMBERS.
			}
			doc, err := decode([]byte(str))
			if err != nil {
				return err
			}
			if !fn(doc) {
				return nil
			}
		}
	}
	return nil
}

func decode(b []byte) (types.Document, error) {
	var doc, err = types.DecodeDocument(b)
	if err != nil {
		return nil, errors.WithMessage(err, "decoding stored document")
	}
	return doc, nil
}
