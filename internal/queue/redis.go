package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/hw/camera"
)

// endOfStream is the list element appended by Close. It is not valid
// msgpack for a Frame, so it cannot collide with a payload.
const endOfStream = "\xc1syncgrab:eos"

// pushScript appends ARGV[1] to KEYS[1] unless the list holds ARGV[2]
// elements. When full it evicts the head if ARGV[3] is "1".
// Returns 1 when pushed, 0 when full, or the evicted payload.
var pushScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n < tonumber(ARGV[2]) then
  redis.call('RPUSH', KEYS[1], ARGV[1])
  return 1
end
if ARGV[3] == '1' then
  local old = redis.call('LPOP', KEYS[1])
  redis.call('RPUSH', KEYS[1], ARGV[1])
  return old
end
return 0
`)

// RedisConfig configures a Redis-backed queue.
type RedisConfig struct {
	Key       string
	Capacity  int
	Policy    Policy
	Poll      time.Duration // retry interval of a blocking Push on a full list, default 5ms
	OpTimeout time.Duration // per-command deadline, default 2s
}

// Redis is a bounded queue on a Redis list, shared across processes.
// Frames are msgpack-encoded. Pop uses BLPOP, whose timeout has a
// resolution of one second: shorter Pop timeouts are rounded up.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig

	mu      sync.Mutex
	closed  bool
	pushed  uint64
	popped  uint64
	dropped map[string]uint64
}

// NewRedis returns a queue on cfg.Key. The client stays owned by the caller.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) (*Redis, error) {
	if cfg.Key == "" {
		return nil, errors.New("redis queue key is required")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0, got %d", cfg.Capacity)
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Millisecond
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	return &Redis{client: client, cfg: cfg, dropped: make(map[string]uint64)}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Reset deletes the list, discarding queued frames and a stale end-of-stream marker.
func (r *Redis) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.cfg.Key).Err()
}

func (r *Redis) countDrop(cameraID string, why string) {
	r.mu.Lock()
	r.dropped[cameraID]++
	r.mu.Unlock()
	debug.Verbose("Queue %s: dropped frame of %s (%s)", r.cfg.Key, cameraID, why)
}

func (r *Redis) Push(ctx context.Context, f camera.Frame, timeout time.Duration) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		r.countDrop(f.CameraID, "closed")
		return ErrClosed
	}

	payload, err := msgpack.Marshal(&f)
	if err != nil {
		r.countDrop(f.CameraID, "encode")
		return fmt.Errorf("encode frame: %w", err)
	}
	evict := "0"
	if r.cfg.Policy == DropOldest {
		evict = "1"
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		opCtx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
		res, err := pushScript.Run(opCtx, r.client, []string{r.cfg.Key}, payload, r.cfg.Capacity, evict).Result()
		cancel()
		if err != nil {
			r.countDrop(f.CameraID, "redis error")
			return fmt.Errorf("push frame: %w", err)
		}

		switch v := res.(type) {
		case int64:
			if v == 1 {
				r.mu.Lock()
				r.pushed++
				r.mu.Unlock()
				return nil
			}
		case string:
			r.mu.Lock()
			r.pushed++
			r.mu.Unlock()
			var old camera.Frame
			if err := msgpack.Unmarshal([]byte(v), &old); err == nil {
				r.countDrop(old.CameraID, "evicted")
			} else {
				r.countDrop("", "evicted")
			}
			return nil
		default:
			return fmt.Errorf("push frame: unexpected script reply %T", res)
		}

		// full, block policy
		if !deadline.IsZero() && time.Now().After(deadline) {
			r.countDrop(f.CameraID, "push timeout")
			return ErrDropped
		}
		select {
		case <-ctx.Done():
			r.countDrop(f.CameraID, "push abandoned")
			return fmt.Errorf("%w: %w", ErrDropped, ctx.Err())
		case <-time.After(r.cfg.Poll):
		}
	}
}

func (r *Redis) Pop(timeout time.Duration) (camera.Frame, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+time.Second+r.cfg.OpTimeout)
		defer cancel()
	}
	res, err := r.client.BLPop(ctx, timeout, r.cfg.Key).Result()
	if errors.Is(err, redis.Nil) {
		return camera.Frame{}, ErrTimeout
	}
	if err != nil {
		return camera.Frame{}, fmt.Errorf("pop frame: %w", err)
	}
	payload := res[1]
	if payload == endOfStream {
		// Put the marker back so every other consumer sees it as well.
		if err := r.client.LPush(context.Background(), r.cfg.Key, endOfStream).Err(); err != nil {
			debug.Error(fmt.Errorf("requeue end of stream: %w", err))
		}
		return camera.Frame{}, ErrEndOfStream
	}

	var f camera.Frame
	if err := msgpack.Unmarshal([]byte(payload), &f); err != nil {
		return camera.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	r.mu.Lock()
	r.popped++
	r.mu.Unlock()
	return f, nil
}

// Close appends the end-of-stream marker, past the capacity bound.
// Idempotent.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if err := r.client.RPush(ctx, r.cfg.Key, endOfStream).Err(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

// Stats reports this process's counters. Depth is read from Redis and
// is -1 when the server cannot be reached.
func (r *Redis) Stats() Stats {
	depth := -1
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if n, err := r.client.LLen(ctx, r.cfg.Key).Result(); err == nil {
		depth = int(n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity: r.cfg.Capacity,
		Depth:    depth,
		Pushed:   r.pushed,
		Popped:   r.popped,
		Dropped:  copyDrops(r.dropped),
	}
}
