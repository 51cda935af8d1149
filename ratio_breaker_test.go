package guard_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	guard "github.com/JohnPlummer/jp-go-guard"
)

var _ = Describe("RatioBreaker", func() {
	var (
		ctx     context.Context
		calls   *counter
		failing func(context.Context) error
		healthy func(context.Context) error
	)

	BeforeEach(func() {
		ctx = context.Background()
		calls = &counter{}
		failing = func(context.Context) error {
			calls.inc()
			return unavailable()
		}
		healthy = func(context.Context) error {
			calls.inc()
			return nil
		}
	})

	Describe("Default Configuration", func() {
		It("should trip at a 60% failure rate over at least 3 requests", func() {
			config := guard.DefaultRatioBreakerConfig()
			Expect(config.ReadyToTrip(guard.CircuitBreakerCounts{Requests: 3, TotalFailures: 2})).To(BeTrue())
			Expect(config.ReadyToTrip(guard.CircuitBreakerCounts{Requests: 3, TotalFailures: 1})).To(BeFalse())
			Expect(config.ReadyToTrip(guard.CircuitBreakerCounts{Requests: 2, TotalFailures: 2})).To(BeFalse())
		})

		It("should use gobreaker's timings", func() {
			config := guard.DefaultRatioBreakerConfig()
			Expect(config.MaxRequests).To(Equal(uint32(1)))
			Expect(config.Interval).To(Equal(10 * time.Second))
			Expect(config.Timeout).To(Equal(60 * time.Second))
		})
	})

	It("should open after enough failures and reject with a non-retryable error", func() {
		observer := &recordingObserver{}
		cb := guard.NewRatioBreaker("reports", func(c *guard.RatioBreakerConfig) {
			c.Observer = observer
		})

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, failing)
		}
		Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
		Expect(cb.Counts().TotalFailures).To(BeZero())

		err := cb.Execute(ctx, healthy)
		Expect(calls.count()).To(Equal(3))

		classified := guard.AsError(err)
		Expect(classified.Kind).To(Equal(guard.KindUnavailable))
		Expect(classified.Retryable).To(BeFalse())
		Expect(classified.Details).To(HaveKeyWithValue("operation", "reports"))
		Expect(classified.Details).To(HaveKeyWithValue("retryAfterMs", int64(60000)))
		Expect(observer.rejections).To(Equal(1))
		Expect(observer.transitions).To(ContainElement([2]guard.CircuitState{guard.StateClosed, guard.StateOpen}))
	})

	It("should probe after the timeout and close on success", func() {
		cb := guard.NewRatioBreaker("reports", func(c *guard.RatioBreakerConfig) {
			c.Timeout = 20 * time.Millisecond
		})
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, failing)
		}
		Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))

		Eventually(func() guard.CircuitState {
			return cb.Snapshot().State
		}).Should(Equal(guard.StateHalfOpen))

		Expect(cb.Execute(ctx, healthy)).To(Succeed())
		Expect(cb.Snapshot().State).To(Equal(guard.StateClosed))
	})

	It("should not count errors the classifier ignores", func() {
		cb := guard.NewRatioBreaker("reports", func(c *guard.RatioBreakerConfig) {
			c.ErrorClassifier = guard.KindTripClassifier{guard.KindUnavailable}
		})

		for i := 0; i < 5; i++ {
			err := cb.Execute(ctx, func(context.Context) error {
				return guard.NewError(guard.KindNotFound, "missing")
			})
			Expect(guard.KindOf(err)).To(Equal(guard.KindNotFound))
		}
		Expect(cb.Snapshot().State).To(Equal(guard.StateClosed))
		Expect(cb.Counts().TotalSuccesses).To(Equal(uint32(5)))
	})

	It("should run value-returning operations through Protect", func() {
		cb := guard.NewRatioBreaker("reports", nil)
		value, err := guard.Protect(ctx, cb, func(context.Context) (string, error) {
			return "report", nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal("report"))
	})
})
