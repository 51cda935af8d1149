package guard_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	guard "github.com/JohnPlummer/jp-go-guard"
)

var _ = Describe("CircuitBreaker", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		observer *recordingObserver
		calls    *counter
		failing  func(context.Context) error
		healthy  func(context.Context) error
	)

	newBreaker := func(opts ...guard.CircuitBreakerOption) *guard.CircuitBreaker {
		base := []guard.CircuitBreakerOption{
			guard.WithCircuitClock(clock),
			guard.WithCircuitObserver(observer),
		}
		return guard.NewCircuitBreaker("tasks.write", append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		observer = &recordingObserver{}
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
		It("should open after 5 failures and cool down for 60 seconds", func() {
			config := guard.DefaultCircuitBreakerConfig()
			Expect(config.FailureThreshold).To(Equal(5))
			Expect(config.ResetTimeout).To(Equal(60 * time.Second))
		})

		It("should start closed", func() {
			snapshot := newBreaker().Snapshot()
			Expect(snapshot.State).To(Equal(guard.StateClosed))
			Expect(snapshot.FailureCount).To(BeZero())
			Expect(snapshot.LastFailureAt).To(BeZero())
		})
	})

	Describe("State Transitions", func() {
		Context("Closed to Open", func() {
			It("should fail fast after 5 consecutive failures without invoking the operation", func() {
				cb := newBreaker(guard.WithFailureThreshold(5))

				for i := 0; i < 5; i++ {
					err := cb.Execute(ctx, failing)
					Expect(guard.KindOf(err)).To(Equal(guard.KindUnavailable))
				}
				Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))

				clock.Advance(time.Millisecond)
				err := cb.Execute(ctx, failing)

				Expect(calls.count()).To(Equal(5))
				classified := guard.AsError(err)
				Expect(classified.Kind).To(Equal(guard.KindUnavailable))
				Expect(classified.Retryable).To(BeFalse())
				Expect(classified.Details).To(HaveKeyWithValue("operation", "tasks.write"))
				Expect(classified.Details).To(HaveKeyWithValue("retryAfterMs", int64(59999)))
				Expect(classified.Details).To(HaveKeyWithValue("failureCount", 5))
				Expect(observer.rejections).To(Equal(1))
			})

			It("should not reset the failure count on success while closed", func() {
				cb := newBreaker(guard.WithFailureThreshold(5))

				for i := 0; i < 3; i++ {
					_ = cb.Execute(ctx, failing)
				}
				Expect(cb.Execute(ctx, healthy)).To(Succeed())
				Expect(cb.Snapshot().FailureCount).To(Equal(3))

				_ = cb.Execute(ctx, failing)
				_ = cb.Execute(ctx, failing)
				Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
			})

			It("should record the time of the last failure", func() {
				cb := newBreaker()
				_ = cb.Execute(ctx, failing)
				Expect(cb.Snapshot().LastFailureAt).To(Equal(clock.Now()))
			})

			It("should re-raise the operation's error unchanged", func() {
				cb := newBreaker()
				err := cb.Execute(ctx, func(context.Context) error { return errBoom })
				Expect(err).To(BeIdenticalTo(errBoom))
			})
		})

		Context("Open to HalfOpen", func() {
			var cb *guard.CircuitBreaker

			BeforeEach(func() {
				cb = newBreaker(guard.WithFailureThreshold(2), guard.WithResetTimeout(time.Minute))
				_ = cb.Execute(ctx, failing)
				_ = cb.Execute(ctx, failing)
				Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
			})

			It("should stay open when exactly the reset timeout has passed", func() {
				clock.Advance(time.Minute)
				err := cb.Execute(ctx, healthy)
				Expect(guard.KindOf(err)).To(Equal(guard.KindUnavailable))
				Expect(calls.count()).To(Equal(2))
			})

			It("should let a call through once the reset timeout has passed and close on success", func() {
				clock.Advance(time.Minute + time.Millisecond)
				Expect(cb.Execute(ctx, healthy)).To(Succeed())
				Expect(calls.count()).To(Equal(3))

				snapshot := cb.Snapshot()
				Expect(snapshot.State).To(Equal(guard.StateClosed))
				Expect(snapshot.FailureCount).To(BeZero())
				Expect(observer.transitions).To(Equal([][2]guard.CircuitState{
					{guard.StateClosed, guard.StateOpen},
					{guard.StateOpen, guard.StateHalfOpen},
					{guard.StateHalfOpen, guard.StateClosed},
				}))
			})

			It("should count half-open failures from zero and reopen at the threshold", func() {
				clock.Advance(time.Minute + time.Millisecond)
				_ = cb.Execute(ctx, failing)

				snapshot := cb.Snapshot()
				Expect(snapshot.State).To(Equal(guard.StateHalfOpen))
				Expect(snapshot.FailureCount).To(Equal(1))

				_ = cb.Execute(ctx, failing)
				Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))

				err := cb.Execute(ctx, healthy)
				Expect(guard.KindOf(err)).To(Equal(guard.KindUnavailable))
			})
		})

		It("should notify the state change handler", func() {
			var (
				mu          sync.Mutex
				transitions []string
			)
			cb := newBreaker(
				guard.WithFailureThreshold(1),
				guard.WithStateChangeHandler(func(name string, from, to guard.CircuitState) {
					mu.Lock()
					defer mu.Unlock()
					transitions = append(transitions, name+":"+from.String()+"->"+to.String())
				}),
			)
			_ = cb.Execute(ctx, failing)
			Expect(transitions).To(ConsistOf("tasks.write:closed->open"))
		})

		It("should close on Reset", func() {
			cb := newBreaker(guard.WithFailureThreshold(1))
			_ = cb.Execute(ctx, failing)
			cb.Reset(ctx)
			Expect(cb.Snapshot().State).To(Equal(guard.StateClosed))
			Expect(cb.Execute(ctx, healthy)).To(Succeed())
		})
	})

	Describe("Error Classification", func() {
		It("should ignore errors the classifier does not count", func() {
			cb := newBreaker(
				guard.WithFailureThreshold(1),
				guard.WithCircuitBreakerErrorClassifier(guard.KindTripClassifier{guard.KindUnavailable, guard.KindInternal}),
			)

			err := cb.Execute(ctx, func(context.Context) error {
				return guard.NewError(guard.KindValidation, "bad title")
			})
			Expect(guard.KindOf(err)).To(Equal(guard.KindValidation))
			Expect(cb.Snapshot().State).To(Equal(guard.StateClosed))
			Expect(cb.Snapshot().FailureCount).To(BeZero())

			_ = cb.Execute(ctx, failing)
			Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
		})
	})

	Describe("Caller cancellation", func() {
		It("should not count a failure caused by the caller giving up", func() {
			cb := newBreaker(guard.WithFailureThreshold(1))
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			err := cb.Execute(cancelled, func(ctx context.Context) error {
				calls.inc()
				return ctx.Err()
			})
			Expect(err).To(MatchError(context.Canceled))
			Expect(calls.count()).To(Equal(1))
			Expect(cb.Snapshot().State).To(Equal(guard.StateClosed))
			Expect(cb.Snapshot().FailureCount).To(BeZero())
		})

		It("should still count failures for a live caller", func() {
			cb := newBreaker(guard.WithFailureThreshold(1))
			_ = cb.Execute(ctx, func(ctx context.Context) error { return context.DeadlineExceeded })
			Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
		})
	})

	Describe("Persistence", func() {
		It("should save every mutation and restore it in a new breaker", func() {
			store := newMemoryStore()
			cb := newBreaker(guard.WithFailureThreshold(1), guard.WithCircuitStore(store))
			_ = cb.Execute(ctx, failing)

			saved, ok := store.circuit("tasks.write")
			Expect(ok).To(BeTrue())
			Expect(saved.State).To(Equal(guard.StateOpen))

			restored := newBreaker(guard.WithFailureThreshold(1), guard.WithCircuitStore(store))
			Expect(restored.Snapshot()).To(Equal(saved))
			Expect(guard.KindOf(restored.Execute(ctx, healthy))).To(Equal(guard.KindUnavailable))
		})

		It("should keep working when the store fails", func() {
			store := newMemoryStore()
			store.failSave = true
			cb := newBreaker(guard.WithFailureThreshold(1), guard.WithCircuitStore(store))

			_ = cb.Execute(ctx, failing)
			Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
		})

		It("should not hold the breaker while a save is in progress", func() {
			store := newMemoryStore()
			release := store.hold()
			cb := newBreaker(guard.WithFailureThreshold(1), guard.WithCircuitStore(store))

			failed := make(chan struct{})
			go func() {
				_ = cb.Execute(ctx, failing)
				close(failed)
			}()
			Eventually(store.started).Should(Receive())

			Expect(cb.Snapshot().State).To(Equal(guard.StateOpen))
			Expect(guard.KindOf(cb.Execute(ctx, healthy))).To(Equal(guard.KindUnavailable))

			reset := make(chan struct{})
			go func() {
				cb.Reset(ctx)
				close(reset)
			}()
			Eventually(reset).Should(BeClosed())
			Consistently(failed, 20*time.Millisecond).ShouldNot(BeClosed())

			release()
			Eventually(failed).Should(BeClosed())
			Eventually(func() guard.CircuitState {
				saved, _ := store.circuit("tasks.write")
				return saved.State
			}).Should(Equal(guard.StateClosed))
		})
	})

	Describe("Concurrency", func() {
		It("should not lose failures under concurrent calls", func() {
			cb := newBreaker(guard.WithFailureThreshold(1000))

			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = cb.Execute(ctx, failing)
				}()
			}
			wg.Wait()

			Expect(cb.Snapshot().FailureCount).To(Equal(100))
			Expect(calls.count()).To(Equal(100))
		})
	})

	Describe("Snapshot", func() {
		It("should encode the state by name", func() {
			data, err := json.Marshal(guard.CircuitSnapshot{State: guard.StateHalfOpen, FailureCount: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"state":"half-open"`))

			var decoded guard.CircuitSnapshot
			Expect(json.Unmarshal(data, &decoded)).To(Succeed())
			Expect(decoded.State).To(Equal(guard.StateHalfOpen))
		})

		It("should reject unknown state names", func() {
			var state guard.CircuitState
			Expect(state.UnmarshalText([]byte("ajar"))).To(HaveOccurred())
		})
	})

	Describe("Protect", func() {
		It("should return the operation's value", func() {
			value, err := guard.Protect(ctx, newBreaker(), func(context.Context) (int, error) {
				return 7, nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal(7))
		})

		It("should return the zero value on failure", func() {
			value, err := guard.Protect(ctx, newBreaker(), func(context.Context) (int, error) {
				return 7, errBoom
			})
			Expect(err).To(MatchError(errBoom))
			Expect(value).To(BeZero())
		})
	})
})

var _ = Describe("BreakerRegistry", func() {
	It("should create one breaker per name and keep it", func() {
		registry := guard.NewBreakerRegistry(guard.WithFailureThreshold(1))
		first := registry.Get("tasks.write")
		Expect(registry.Get("tasks.write")).To(BeIdenticalTo(first))
		Expect(registry.Get("tasks.read")).NotTo(BeIdenticalTo(first))
		Expect(registry.Names()).To(Equal([]string{"tasks.read", "tasks.write"}))
	})

	It("should isolate failures per operation name", func() {
		ctx := context.Background()
		registry := guard.NewBreakerRegistry(guard.WithFailureThreshold(1))

		_ = registry.Execute(ctx, "tasks.write", func(context.Context) error { return unavailable() })
		Expect(registry.Execute(ctx, "tasks.read", func(context.Context) error { return nil })).To(Succeed())

		snapshots := registry.Snapshots()
		Expect(snapshots["tasks.write"].State).To(Equal(guard.StateOpen))
		Expect(snapshots["tasks.read"].State).To(Equal(guard.StateClosed))

		health := registry.Health()
		Expect(health["tasks.write"].Healthy).To(BeFalse())
		Expect(health["tasks.read"].Healthy).To(BeTrue())
	})

	It("should build breakers with a custom factory", func() {
		registry := guard.NewBreakerRegistryWithFactory(func(name string) guard.Breaker {
			return guard.NewRatioBreaker(name, nil)
		})
		Expect(registry.Get("reports")).To(BeAssignableToTypeOf(&guard.RatioBreaker{}))
	})
})
