package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/doccache/types"
)

// newTestStore returns a Store under a fresh prefix of the Redis at
// $REDIS_ADDR, skipping the test if it's unset.
func newTestStore(t *testing.T) *Store {
	var addr = os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	var client = redis.NewClient(&redis.Options{Addr: addr})
	var s = NewWithClient(client, "doccache-test:"+uuid.NewString()+":")
	require.NoError(t, s.Ping(context.Background()))

	t.Cleanup(func() {
		var ctx = context.Background()
		var iter = client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		_ = s.Close()
	})
	return s
}

func TestCRUD(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	id, err := s.InsertOne(ctx, "users", types.Document{"name": "ada", "coins": int64(1)})
	require.NoError(t, err)
	_, err = s.InsertOne(ctx, "users", types.Document{"id": id})
	assert.Error(t, err)

	doc, err := s.FindOne(ctx, "users", types.Filter{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, types.Document{"id": id, "name": "ada", "coins": int64(1)}, doc)

	matched, err := s.ReplaceOne(ctx, "users", types.Filter{"id": id}, types.Document{"name": "bob"}, false)
	require.NoError(t, err)
	assert.True(t, matched)

	doc, err = s.UpdateOne(ctx, "users", types.Filter{"name": "bob"}, types.Update{types.OpInc: {"coins": 2}}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Document{"id": id, "name": "bob", "coins": int64(2)}, doc)

	doc, err = s.DeleteOne(ctx, "users", types.Filter{"id": id})
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID())

	doc, err = s.FindOne(ctx, "users", types.Filter{"id": id})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestUpsertsAndDistinct(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	matched, err := s.ReplaceOne(ctx, "items", types.Filter{"id": "1"}, types.Document{"color": "red"}, true)
	require.NoError(t, err)
	assert.False(t, matched)

	doc, err := s.UpdateOne(ctx, "items", types.Filter{"id": "2", "color": "blue"}, types.Update{types.OpSet: {"size": 2}}, true)
	require.NoError(t, err)
	assert.Equal(t, types.Document{"id": "2", "color": "blue", "size": int64(2)}, doc)

	_, err = s.InsertOne(ctx, "items", types.Document{"id": "3", "color": "red", "size": int64(2)})
	require.NoError(t, err)

	values, err := s.FindDistinct(ctx, "items", "color", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"red", "blue"}, values)

	values, err = s.FindDistinct(ctx, "items", "color", types.Filter{"size": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"blue", "red"}, values)
}

func TestConcurrentIncrements(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	_, err := s.InsertOne(ctx, "counters", types.Document{"id": "c", "n": int64(0)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateOne(ctx, "counters", types.Filter{"id": "c"}, types.Update{types.OpInc: {"n": 1}}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := s.FindOne(ctx, "counters", types.Filter{"id": "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), doc["n"])
}
