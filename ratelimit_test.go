package guard_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	guard "github.com/JohnPlummer/jp-go-guard"
)

var _ = Describe("RateLimiter", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		observer *recordingObserver
	)

	newLimiter := func(opts ...guard.RateLimitOption) *guard.RateLimiter {
		base := []guard.RateLimitOption{
			guard.WithRateLimitClock(clock),
			guard.WithRateLimitObserver(observer),
		}
		return guard.NewRateLimiter(append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		observer = &recordingObserver{}
	})

	It("should default to 1000 per hour and 10000 per day", func() {
		config := guard.DefaultRateLimitConfig()
		Expect(config.HourlyCap).To(Equal(1000))
		Expect(config.DailyCap).To(Equal(10000))
	})

	Describe("Consume", func() {
		It("should spend the first token on a subject's first request", func() {
			limiter := newLimiter()
			start := clock.Now()

			decision := limiter.Consume(ctx, "alice")
			Expect(decision.Allowed).To(BeTrue())
			Expect(decision.Remaining).To(Equal(999))
			Expect(decision.HourlyResetAt).To(Equal(start.Add(time.Hour)))
			Expect(decision.DailyResetAt).To(Equal(start.Add(24 * time.Hour)))
		})

		It("should deny the 1001st request within the hour", func() {
			limiter := newLimiter()
			for i := 0; i < 1000; i++ {
				Expect(limiter.Consume(ctx, "alice").Allowed).To(BeTrue())
			}

			decision := limiter.Consume(ctx, "alice")
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Remaining).To(BeZero())

			bucket, ok := limiter.Bucket("alice")
			Expect(ok).To(BeTrue())
			Expect(bucket.Tokens).To(BeZero())
		})

		It("should keep subjects independent", func() {
			limiter := newLimiter(guard.WithHourlyCap(1))
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeTrue())
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())
			Expect(limiter.Consume(ctx, "bob").Allowed).To(BeTrue())
			Expect(limiter.Len()).To(Equal(2))
		})

		It("should refill at the hourly boundary, inclusive", func() {
			limiter := newLimiter(guard.WithHourlyCap(2))
			limiter.Consume(ctx, "alice")
			limiter.Consume(ctx, "alice")
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())

			clock.Advance(time.Hour - time.Nanosecond)
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())

			clock.Advance(time.Nanosecond)
			decision := limiter.Consume(ctx, "alice")
			Expect(decision.Allowed).To(BeTrue())
			Expect(decision.Remaining).To(Equal(1))
			Expect(decision.HourlyResetAt).To(Equal(clock.Now().Add(time.Hour)))
		})

		It("should cap the refilled tokens at the daily cap when the day rolls over", func() {
			limiter := newLimiter(guard.WithHourlyCap(10), guard.WithDailyCap(4))
			limiter.Consume(ctx, "alice")

			clock.Advance(24 * time.Hour)
			decision := limiter.Consume(ctx, "alice")
			Expect(decision.Allowed).To(BeTrue())
			Expect(decision.Remaining).To(Equal(3))
			Expect(decision.DailyResetAt).To(Equal(clock.Now().Add(24 * time.Hour)))
		})

		It("should apply the daily cap independently of the hourly refill", func() {
			limiter := newLimiter(guard.WithHourlyCap(10), guard.WithDailyCap(4))
			limiter.Consume(ctx, "alice")

			// Land on the daily boundary without an hourly refill being due.
			clock.Advance(23*time.Hour + 30*time.Minute)
			limiter.Consume(ctx, "alice")
			clock.Advance(30 * time.Minute)

			bucketBefore, _ := limiter.Bucket("alice")
			Expect(clock.Now().Before(bucketBefore.HourlyResetAt)).To(BeTrue())

			decision := limiter.Consume(ctx, "alice")
			Expect(decision.Remaining).To(Equal(3))
		})

		It("should not refill when the clock moves backward", func() {
			limiter := newLimiter(guard.WithHourlyCap(1))
			limiter.Consume(ctx, "alice")

			clock.Advance(30 * time.Minute)
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())

			clock.Advance(-2 * time.Hour)
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())

			// Back at the last observed instant, still inside the first hour.
			clock.Advance(2 * time.Hour)
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())

			clock.Advance(30 * time.Minute)
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeTrue())
		})

		It("should never hand out the same token twice under concurrency", func() {
			limiter := newLimiter(guard.WithHourlyCap(50))

			var (
				wg      sync.WaitGroup
				allowed atomic.Int32
			)
			for i := 0; i < 200; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if limiter.Consume(ctx, "alice").Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			Expect(allowed.Load()).To(Equal(int32(50)))
			bucket, _ := limiter.Bucket("alice")
			Expect(bucket.Tokens).To(BeZero())
		})

		It("should report every decision", func() {
			limiter := newLimiter(guard.WithHourlyCap(1))
			limiter.Consume(ctx, "alice")
			limiter.Consume(ctx, "alice")
			Expect(observer.decisions).To(Equal([]bool{true, false}))
		})
	})

	Describe("Admit", func() {
		It("should return a non-retryable limit exceeded error with reset hints", func() {
			limiter := newLimiter(guard.WithHourlyCap(1))
			Expect(limiter.Admit(ctx, "alice")).To(Succeed())

			clock.Advance(15 * time.Minute)
			err := limiter.Admit(ctx, "alice")

			classified := guard.AsError(err)
			Expect(classified.Kind).To(Equal(guard.KindLimitExceeded))
			Expect(classified.StatusCode()).To(Equal(429))
			Expect(classified.Retryable).To(BeFalse())
			Expect(classified.Details).To(HaveKeyWithValue("retryAfterMs", (45 * time.Minute).Milliseconds()))
			Expect(classified.Details).To(HaveKey("hourlyResetAt"))
			Expect(classified.Details).To(HaveKey("dailyResetAt"))
			Expect(errors.Is(err, jperrors.ErrRateLimited)).To(BeTrue())
		})
	})

	Describe("Persistence", func() {
		It("should resume a stored bucket", func() {
			store := newMemoryStore()
			first := newLimiter(guard.WithHourlyCap(3), guard.WithBucketStore(store))
			first.Consume(ctx, "alice")
			first.Consume(ctx, "alice")

			second := newLimiter(guard.WithHourlyCap(3), guard.WithBucketStore(store))
			Expect(second.Consume(ctx, "alice").Remaining).To(BeZero())
			Expect(second.Consume(ctx, "alice").Allowed).To(BeFalse())
		})

		It("should keep limiting when the store fails", func() {
			store := newMemoryStore()
			store.failSave = true
			limiter := newLimiter(guard.WithHourlyCap(1), guard.WithBucketStore(store))

			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeTrue())
			Expect(limiter.Consume(ctx, "alice").Allowed).To(BeFalse())
		})

		It("should decide for a subject while its previous save is still in progress", func() {
			store := newMemoryStore()
			limiter := newLimiter(guard.WithHourlyCap(5), guard.WithBucketStore(store))
			release := store.hold()

			first := make(chan guard.RateLimitDecision, 1)
			go func() { first <- limiter.Consume(ctx, "alice") }()
			Eventually(store.started).Should(Receive())

			second := make(chan guard.RateLimitDecision, 1)
			go func() { second <- limiter.Consume(ctx, "alice") }()
			var decision guard.RateLimitDecision
			Eventually(second).Should(Receive(&decision))
			Expect(decision.Remaining).To(Equal(3))

			release()
			Eventually(first).Should(Receive())
			Eventually(func() int {
				saved, _ := store.bucket("alice")
				return saved.Tokens
			}).Should(Equal(3))
		})
	})

	Describe("Sweep", func() {
		It("should drop subjects whose windows have both ended", func() {
			limiter := newLimiter()
			limiter.Consume(ctx, "alice")
			clock.Advance(12 * time.Hour)
			limiter.Consume(ctx, "bob")

			clock.Advance(12 * time.Hour)
			Expect(limiter.Sweep()).To(Equal(1))

			_, ok := limiter.Bucket("alice")
			Expect(ok).To(BeFalse())
			_, ok = limiter.Bucket("bob")
			Expect(ok).To(BeTrue())
		})
	})
})
