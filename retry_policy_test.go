package apiclient_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/joshSzep/therobotoverlord-web-sub001"
)

var _ = Describe("RetryPolicy", func() {
	var policy *apiclient.RetryPolicy

	BeforeEach(func() {
		policy = apiclient.NewRetryPolicy(
			apiclient.WithMaxRetries(3),
			apiclient.WithBaseDelay(100*time.Millisecond),
			apiclient.WithRetryLogger(quietLogger()),
		)
	})

	Describe("Delay", func() {
		It("doubles per attempt", func() {
			Expect(policy.Delay(1)).To(Equal(100 * time.Millisecond))
			Expect(policy.Delay(2)).To(Equal(200 * time.Millisecond))
			Expect(policy.Delay(3)).To(Equal(400 * time.Millisecond))
			Expect(policy.Delay(4)).To(Equal(800 * time.Millisecond))
		})

		It("treats attempts below one as the first", func() {
			Expect(policy.Delay(0)).To(Equal(100 * time.Millisecond))
		})

		It("respects the cap", func() {
			capped := apiclient.NewRetryPolicy(apiclient.WithExponentialBackoff(time.Second, 3*time.Second))
			Expect(capped.Delay(2)).To(Equal(2 * time.Second))
			Expect(capped.Delay(3)).To(Equal(3 * time.Second))
			Expect(capped.Delay(200)).To(Equal(3 * time.Second))
		})

		It("does not overflow on large attempts", func() {
			Expect(policy.Delay(100)).To(BeNumerically(">", 0))
		})
	})

	Describe("ShouldRetry", func() {
		get := func() *apiclient.Request { return apiclient.NewRequest(http.MethodGet, "/topics", nil) }
		post := func(opts ...apiclient.RequestOption) *apiclient.Request {
			return apiclient.NewRequest(http.MethodPost, "/posts", map[string]string{"content": "hi"}, opts...)
		}

		DescribeTable("eligibility by kind for idempotent requests",
			func(status int, expected bool) {
				Expect(policy.ShouldRetry(get(), apiclient.NormalizeResponse(status, nil, nil))).To(Equal(expected))
			},
			Entry("500 retried", 500, true),
			Entry("502 retried", 502, true),
			Entry("503 retried", 503, true),
			Entry("400 not retried", 400, false),
			Entry("401 not retried", 401, false),
			Entry("403 not retried", 403, false),
			Entry("404 not retried", 404, false),
			Entry("422 not retried", 422, false),
			Entry("429 not retried", 429, false),
		)

		It("retries network failures and timeouts", func() {
			Expect(policy.ShouldRetry(get(), apiclient.Normalize(context.DeadlineExceeded))).To(BeTrue())
			Expect(policy.ShouldRetry(get(), &apiclient.Error{Kind: apiclient.KindNetwork})).To(BeTrue())
		})

		It("does not retry cancellations or open circuits", func() {
			Expect(policy.ShouldRetry(get(), apiclient.Normalize(context.Canceled))).To(BeFalse())
			Expect(policy.ShouldRetry(get(), &apiclient.Error{
				Kind: apiclient.KindNetwork,
				Code: apiclient.CodeCircuitOpen,
			})).To(BeFalse())
		})

		It("only retries non-idempotent requests marked retry-safe", func() {
			serverErr := apiclient.NormalizeResponse(503, nil, nil)
			Expect(policy.ShouldRetry(post(), serverErr)).To(BeFalse())
			Expect(policy.ShouldRetry(post(apiclient.WithRetrySafe()), serverErr)).To(BeTrue())
		})

		It("handles nil inputs", func() {
			Expect(policy.ShouldRetry(nil, &apiclient.Error{Kind: apiclient.KindNetwork})).To(BeFalse())
			Expect(policy.ShouldRetry(get(), nil)).To(BeFalse())
		})
	})

	Describe("through the client", func() {
		var (
			server *fakeBackend
			calls  atomic.Int32
		)

		BeforeEach(func() {
			server = newFakeBackend()
			calls.Store(0)
		})

		AfterEach(func() {
			server.Close()
		})

		It("backs off b, 2b, 4b on a persistent 503 and then surfaces serverError", func() {
			server.router.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "maintenance"})
			})

			var (
				mu     sync.Mutex
				delays []time.Duration
			)
			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithRetry(
					apiclient.WithMaxRetries(3),
					apiclient.WithBaseDelay(10*time.Millisecond),
					apiclient.WithRetryObserver(func(rc apiclient.RetryContext) {
						mu.Lock()
						defer mu.Unlock()
						delays = append(delays, rc.Delay)
					}),
				),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Get(context.Background(), "/topics")
			Expect(err).To(HaveOccurred())
			Expect(apiclient.KindOf(err)).To(Equal(apiclient.KindServerError))
			Expect(calls.Load()).To(Equal(int32(4)))

			mu.Lock()
			defer mu.Unlock()
			Expect(delays).To(Equal([]time.Duration{
				10 * time.Millisecond,
				20 * time.Millisecond,
				40 * time.Millisecond,
			}))

			var apiErr *apiclient.Error
			Expect(err).To(BeAssignableToTypeOf(apiErr))
			apiErr = err.(*apiclient.Error)
			Expect(apiErr.Attempt).To(Equal(4))
			Expect(apiErr.Message).To(Equal("maintenance"))

			stats := client.RetryPolicy().GetRetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(4)))
			Expect(stats.TotalRetries).To(Equal(int64(3)))
			Expect(stats.TotalFailures).To(Equal(int64(1)))
		})

		It("recovers when the backend comes back", func() {
			server.router.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				writeJSON(w, http.StatusOK, []map[string]any{{"id": "1"}})
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithRetry(apiclient.WithBaseDelay(time.Millisecond)),
			)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.Get(context.Background(), "/topics")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Attempts).To(Equal(3))
			Expect(calls.Load()).To(Equal(int32(3)))

			stats := client.RetryPolicy().GetRetryStats()
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalRetries).To(Equal(int64(2)))
		})

		It("does not retry a 400 and returns validation with status 400", func() {
			server.router.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "page must be positive"})
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithRetry(apiclient.WithBaseDelay(time.Millisecond)),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Get(context.Background(), "/topics", apiclient.WithParam("page", "-1"))
			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(1)))

			apiErr := err.(*apiclient.Error)
			Expect(apiErr.Kind).To(Equal(apiclient.KindValidation))
			Expect(apiErr.Status).To(Equal(400))
			Expect(apiErr.Message).To(Equal("page must be positive"))
		})

		It("does not retry a failed POST", func() {
			server.router.Post("/topics", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithRetry(apiclient.WithBaseDelay(time.Millisecond)),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Post(context.Background(), "/topics", map[string]string{"title": "t"})
			Expect(apiclient.KindOf(err)).To(Equal(apiclient.KindServerError))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("starts the schedule at the base delay after a session refresh", func() {
			server.authed.Get("/users/me", func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"id": "u1"})
			})

			var (
				mu       sync.Mutex
				contexts []apiclient.RetryContext
			)
			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithTokens(apiclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}),
				apiclient.WithRetry(
					apiclient.WithBaseDelay(10*time.Millisecond),
					apiclient.WithRetryObserver(func(rc apiclient.RetryContext) {
						mu.Lock()
						defer mu.Unlock()
						contexts = append(contexts, rc)
					}),
				),
			)
			Expect(err).NotTo(HaveOccurred())
			server.expireAccessToken()

			resp, err := client.Get(context.Background(), "/users/me")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Attempts).To(Equal(3))
			Expect(server.refreshCalls.Load()).To(Equal(int32(1)))

			mu.Lock()
			defer mu.Unlock()
			Expect(contexts).To(HaveLen(1))
			Expect(contexts[0].Attempt).To(Equal(2))
			Expect(contexts[0].Retries).To(Equal(1))
			Expect(contexts[0].Delay).To(Equal(10 * time.Millisecond))
		})

		It("stops waiting when the caller's context ends", func() {
			server.router.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithRetry(apiclient.WithBaseDelay(time.Hour)),
			)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err = client.Get(ctx, "/topics")
			Expect(err).To(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(calls.Load()).To(Equal(int32(1)))
			Expect(apiclient.KindOf(err)).To(Equal(apiclient.KindTimeout))
		})
	})
})
