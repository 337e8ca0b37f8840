package processing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, locker Locker) {
	unlock, err := locker.Lock(context.Background(), "release:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "release:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locker.Lock(context.Background(), "release:2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), "release:1")
	require.NoError(t, err)
	again()
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	exerciseLocker(t, locker)
	assert.Empty(t, locker.locks)
}

func TestLocalLockerSerializes(t *testing.T) {
	locker := NewLocalLocker()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "release:7")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, locker.locks)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLockerFromClient(client, time.Second, 20*time.Millisecond)
	defer locker.Close()

	exerciseLocker(t, locker)
	assert.False(t, mr.Exists(redisLockKey("release:1")))
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLockerFromClient(client, time.Second, 20*time.Millisecond)
	defer locker.Close()

	unlock, err := locker.Lock(context.Background(), "release:3")
	require.NoError(t, err)

	// Simulate expiry followed by another process taking the lock.
	require.NoError(t, mr.Set(redisLockKey("release:3"), "someone-else"))
	unlock()

	value, err := mr.Get(redisLockKey("release:3"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestNewRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	locker, err := NewRedisLocker("redis://" + mr.Addr())
	require.NoError(t, err)
	defer locker.Close()

	_, err = NewRedisLocker("not a url")
	assert.Error(t, err)
}
