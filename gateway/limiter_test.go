package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucketLimiterAllowsBurst(t *testing.T) {
	l := NewTokenBucketLimiter(1, 3)
	start := time.Now()
	for i := 0; i < 3; i++ {
		l.Wait()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst of 3 must not block, took %v", elapsed)
	}
}

func TestTokenBucketLimiterSerializesConcurrentWaiters(t *testing.T) {
	// 100/s、突发 1：5 个并发等待者需要 4 次补币，至少约 40ms
	l := NewTokenBucketLimiter(100, 1)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("5 waiters at 100/s finished in %v, concurrent waiters slipped past the bucket", elapsed)
	}
}
