package ratelimit_test

import (
	"context"
	"fmt"
	"time"

	"backfill/internal/ratelimit"
)

func ExampleNewRateLimiter() {
	// Dispatch at most 100 sessions per second.
	limiter := ratelimit.NewRateLimiter(100)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(ctx); err != nil {
			fmt.Println("Context cancelled")
			return
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("5 sessions dispatched in under 100ms: %v\n", elapsed < 100*time.Millisecond)
	// Output: 5 sessions dispatched in under 100ms: true
}
