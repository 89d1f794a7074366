package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"roomaker/internal/mocks"
	"roomaker/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.Now
	l.lastRefill = clock.now
	return l, clock
}

func reserveNow(l *Limiter, tokens int) error {
	_, err := l.reserve(tokens)
	return err
}

func TestReserveDrainsBucket(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 1000})

	if err := reserveNow(l, 600); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := reserveNow(l, 500); !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit, got %v", err)
	}
	if err := reserveNow(l, 400); err != nil {
		t.Errorf("reserve within remaining tokens failed: %v", err)
	}
	if tokens, _ := l.Status(); tokens != 0 {
		t.Errorf("expected empty bucket, got %d tokens", tokens)
	}
}

func TestRefillAfterMinute(t *testing.T) {
	l, clock := newTestLimiter(Config{TokensPerMinute: 100})

	if err := reserveNow(l, 100); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	clock.Advance(59 * time.Second)
	if err := reserveNow(l, 1); !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit before refill, got %v", err)
	}

	clock.Advance(time.Second)
	if tokens, _ := l.Status(); tokens != 100 {
		t.Errorf("expected full bucket after refill, got %d", tokens)
	}

	// Several idle minutes never overfill the bucket.
	clock.Advance(5 * time.Minute)
	if tokens, _ := l.Status(); tokens != 100 {
		t.Errorf("expected bucket capped at 100, got %d", tokens)
	}
}

func TestOversizedRequestIsClamped(t *testing.T) {
	l, _ := newTestLimiter(Config{TokensPerMinute: 50})

	if err := reserveNow(l, 5000); err != nil {
		t.Fatalf("oversized request on full bucket failed: %v", err)
	}
	if err := reserveNow(l, 1); !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit after oversized request, got %v", err)
	}
}

func TestDisabledLimiter(t *testing.T) {
	l := New(Config{})
	if l.Enabled() {
		t.Error("zero config should be disabled")
	}
	for i := 0; i < 10; i++ {
		release, err := l.Acquire(context.Background(), 1_000_000)
		if err != nil {
			t.Fatalf("acquire on disabled limiter failed: %v", err)
		}
		release()
	}
}

func TestAcquireConcurrencySlots(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})

	r1, err := l.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, inFlight := l.Status(); inFlight != 2 {
		t.Errorf("expected 2 in flight, got %d", inFlight)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline while slots are full, got %v", err)
	}

	r1()
	r3, err := l.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	r2()
	r3()
	if _, inFlight := l.Status(); inFlight != 0 {
		t.Errorf("expected 0 in flight, got %d", inFlight)
	}
}

func TestAcquireReleasesSlotWhenTokensTimeOut(t *testing.T) {
	l := New(Config{TokensPerMinute: 10, MaxConcurrent: 1})
	if err := reserveNow(l, 10); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline waiting for tokens, got %v", err)
	}
	if _, inFlight := l.Status(); inFlight != 0 {
		t.Errorf("slot leaked after timeout: %d in flight", inFlight)
	}
}

func TestMiddlewareLimitsConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	base := llm.WrapClient(
		func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return llm.CompletionResponse{Content: "ok"}, nil
		},
		func() string { return "test-model" },
	)
	client := l.Middleware()(base)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hello")})
			if _, err := client.Complete(context.Background(), req); err != nil {
				t.Errorf("complete failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most 1 concurrent request, saw %d", maxSeen)
	}
	if client.GetModelName() != "test-model" {
		t.Errorf("model name not passed through: %q", client.GetModelName())
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	base := mocks.NewMockLLMClient()
	if got := New(Config{}).Middleware()(base); got != llm.LLMClient(base) {
		t.Error("disabled limiter should return the client unchanged")
	}
}
