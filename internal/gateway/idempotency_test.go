package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIdempotencyCacheReplaysWithinTTL(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	c := newIdempotencyCache(time.Minute, clock.Now)
	ctx := context.Background()
	var runs atomic.Int32
	fn := func() (*AgentResponse, error) {
		runs.Add(1)
		return &AgentResponse{RunID: "r1"}, nil
	}

	if _, replayed, err := c.Do(ctx, "k", fn); err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	resp, replayed, err := c.Do(ctx, "k", fn)
	if err != nil || !replayed || resp.RunID != "r1" {
		t.Fatalf("second call: resp=%+v replayed=%v err=%v", resp, replayed, err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}

	clock.Advance(2 * time.Minute)
	if _, replayed, _ := c.Do(ctx, "k", fn); replayed {
		t.Fatal("expired entry replayed")
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestIdempotencyCacheSkipsFailuresAndEmptyKeys(t *testing.T) {
	c := newIdempotencyCache(time.Minute, time.Now)
	ctx := context.Background()
	boom := errors.New("boom")

	if _, _, err := c.Do(ctx, "k", func() (*AgentResponse, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failure was cached")
	}

	var runs int
	for range 3 {
		_, replayed, _ := c.Do(ctx, "", func() (*AgentResponse, error) {
			runs++
			return &AgentResponse{}, nil
		})
		if replayed {
			t.Fatal("empty key replayed")
		}
	}
	if runs != 3 {
		t.Fatalf("runs = %d", runs)
	}
}

func TestIdempotencyCacheJoinsConcurrentCallers(t *testing.T) {
	c := newIdempotencyCache(time.Minute, time.Now)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	fn := func() (*AgentResponse, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return &AgentResponse{RunID: "shared"}, nil
	}

	var wg sync.WaitGroup
	results := make([]*AgentResponse, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = c.Do(ctx, "k", fn)
	}()
	<-started
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, _ = c.Do(ctx, "k", fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
	for i, r := range results {
		if r == nil || r.RunID != "shared" {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
}

func TestIdempotencyCachePruneAndTTL(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	c := newIdempotencyCache(time.Minute, clock.Now)
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		_, _, _ = c.Do(ctx, k, func() (*AgentResponse, error) { return &AgentResponse{}, nil })
	}
	clock.Advance(30 * time.Second)
	if n := c.Prune(); n != 0 {
		t.Fatalf("pruned %d before expiry", n)
	}
	c.SetTTL(10 * time.Second)
	if n := c.Prune(); n != 2 || c.Len() != 0 {
		t.Fatalf("pruned %d, len %d", n, c.Len())
	}

	c.SetTTL(0)
	var runs int
	for range 2 {
		_, _, _ = c.Do(ctx, "a", func() (*AgentResponse, error) { runs++; return &AgentResponse{}, nil })
	}
	if runs != 2 || c.Len() != 0 {
		t.Fatalf("zero ttl should disable caching: runs=%d len=%d", runs, c.Len())
	}
}

func TestIdempotencyCacheHonorsContext(t *testing.T) {
	c := newIdempotencyCache(time.Minute, time.Now)
	block := make(chan struct{})
	defer close(block)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(ctx, "k", func() (*AgentResponse, error) {
		<-block
		return &AgentResponse{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
