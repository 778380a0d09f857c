package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T, capacity int, policy Policy) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedis(client, RedisConfig{Key: "test:frames", Capacity: capacity, Policy: policy})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return q
}

func TestRedis_RoundTripFIFO(t *testing.T) {
	q := newTestRedis(t, 8, Block)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 1000, time.UTC)
	for i := uint64(0); i < 3; i++ {
		f := frame("cam1", i)
		f.Timestamp = ts.Add(time.Duration(i) * time.Millisecond)
		f.DeviceFrameID = 100 + i
		if err := q.Push(context.Background(), f, time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if d := q.Stats().Depth; d != 3 {
		t.Errorf("depth = %d, want 3", d)
	}
	for i := uint64(0); i < 3; i++ {
		f, err := q.Pop(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if f.Seq != i || f.DeviceFrameID != 100+i || f.CameraID != "cam1" || len(f.Data) != 4 || f.Data[3] != 4 {
			t.Errorf("pop %d = %+v", i, f)
		}
		if !f.Timestamp.Equal(ts.Add(time.Duration(i) * time.Millisecond)) {
			t.Errorf("timestamp = %v", f.Timestamp)
		}
	}
}

func TestRedis_DropOldestEvicts(t *testing.T) {
	q := newTestRedis(t, 2, DropOldest)
	_ = q.Push(context.Background(), frame("cam1", 0), 0)
	_ = q.Push(context.Background(), frame("cam2", 0), 0)
	if err := q.Push(context.Background(), frame("cam2", 1), 0); err != nil {
		t.Fatal(err)
	}
	s := q.Stats()
	if s.Dropped["cam1"] != 1 || s.Depth != 2 {
		t.Errorf("stats = %+v", s)
	}
	f, _ := q.Pop(time.Second)
	if f.CameraID != "cam2" || f.Seq != 0 {
		t.Errorf("head = %s #%d, want cam2 #0", f.CameraID, f.Seq)
	}
}

func TestRedis_BlockTimeoutDrops(t *testing.T) {
	q := newTestRedis(t, 1, Block)
	_ = q.Push(context.Background(), frame("cam1", 0), 0)
	if err := q.Push(context.Background(), frame("cam1", 1), 20*time.Millisecond); !errors.Is(err, ErrDropped) {
		t.Fatalf("err = %v, want ErrDropped", err)
	}
	if q.Stats().Dropped["cam1"] != 1 {
		t.Error("drop not counted")
	}
}

func TestRedis_EndOfStreamSeenByEveryConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	cfg := RedisConfig{Key: "shared", Capacity: 4, Policy: Block}
	producer, _ := NewRedis(newClient(), cfg)
	a, _ := NewRedis(newClient(), cfg)
	b, _ := NewRedis(newClient(), cfg)

	_ = producer.Push(context.Background(), frame("cam1", 0), 0)
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := producer.Push(context.Background(), frame("cam1", 1), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("push after close: %v", err)
	}

	if f, err := a.Pop(time.Second); err != nil || f.Seq != 0 {
		t.Fatalf("a: %+v, %v", f, err)
	}
	for name, q := range map[string]*Redis{"a": a, "b": b} {
		if _, err := q.Pop(time.Second); !errors.Is(err, ErrEndOfStream) {
			t.Errorf("%s: err = %v, want ErrEndOfStream", name, err)
		}
	}
}

func TestRedis_PopTimeout(t *testing.T) {
	q := newTestRedis(t, 1, Block)
	if _, err := q.Pop(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestNewRedis_Invalid(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	tests := []RedisConfig{
		{Capacity: 1, Policy: Block},
		{Key: "k", Policy: Block},
		{Key: "k", Capacity: 1, Policy: "random"},
	}
	for _, cfg := range tests {
		if _, err := NewRedis(client, cfg); err == nil {
			t.Errorf("NewRedis(%+v) should fail", cfg)
		}
	}
}

func TestRedis_BlockedPushReleasedByContext(t *testing.T) {
	q := newTestRedis(t, 1, Block)
	_ = q.Push(context.Background(), frame("cam1", 0), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := q.Push(ctx, frame("cam1", 1), 5*time.Second)
	if !errors.Is(err, ErrDropped) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrDropped and DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("push returned after %v", elapsed)
	}
	if q.Stats().Dropped["cam1"] != 1 {
		t.Errorf("dropped = %v", q.Stats().Dropped)
	}
}
