package apiclient_test

import (
	"context"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apiclient "github.com/joshSzep/therobotoverlord-web-sub001"
)

var _ = Describe("MetricsCollector", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		registry *prometheus.Registry
		metrics  *apiclient.MetricsCollector
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		registry = prometheus.NewRegistry()
		metrics = apiclient.NewMetricsCollectorWithRegistry(registry)
	})

	AfterEach(func() {
		cancel()
	})

	It("exposes the registry it was built on", func() {
		Expect(metrics.GetRegistry()).To(BeIdenticalTo(registry))

		wrapped := apiclient.NewMetricsCollectorWithRegistry(prometheus.WrapRegistererWithPrefix("web_", prometheus.NewRegistry()))
		Expect(wrapped.GetRegistry()).To(BeNil())
	})

	It("is a no-op when nil", func() {
		var nilMetrics *apiclient.MetricsCollector
		Expect(func() {
			nilMetrics.RecordRequest(http.MethodGet, "/topics", 200, time.Millisecond)
			nilMetrics.RecordRetry(http.MethodGet, "/topics")
			nilMetrics.RecordRefresh("success", time.Millisecond)
			nilMetrics.RecordBreakerState("backend", apiclient.BreakerOpen)
			nilMetrics.RecordCacheHit("topics")
			nilMetrics.RecordCacheSize(3)
			nilMetrics.RecordError(apiclient.KindNetwork, http.MethodGet, "/topics")
		}).NotTo(Panic())
		Expect(nilMetrics.GetRegistry()).To(BeNil())
	})

	Describe("through the client", func() {
		var server *fakeBackend

		BeforeEach(func() {
			server = newFakeBackend()
		})

		AfterEach(func() {
			server.Close()
		})

		It("records requests, retries and errors with collapsed endpoint labels", func() {
			var calls int
			server.router.Get("/topics/{id}", func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"id": "42"})
			})
			server.router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithMetrics(metrics),
				apiclient.WithRetry(apiclient.WithBaseDelay(time.Millisecond)),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Get(ctx, "/topics/42")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Get(ctx, "/users/7f1c5b1e-8a55-4d7e-9a55-1f9e9f3c2b10")
			Expect(apiclient.KindOf(err)).To(Equal(apiclient.KindNotFound))

			expected := `
# HELP overlord_api_requests_total Total number of logical API requests by terminal status
# TYPE overlord_api_requests_total counter
overlord_api_requests_total{endpoint="/topics/:id",method="GET",status_code="200"} 1
overlord_api_requests_total{endpoint="/users/:id",method="GET",status_code="404"} 1
# HELP overlord_api_retries_total Total number of scheduled retries
# TYPE overlord_api_retries_total counter
overlord_api_retries_total{endpoint="/topics/:id",method="GET"} 1
# HELP overlord_api_errors_total Total number of terminal errors by kind
# TYPE overlord_api_errors_total counter
overlord_api_errors_total{endpoint="/users/:id",kind="notFound",method="GET"} 1
`
			Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected),
				"overlord_api_requests_total",
				"overlord_api_retries_total",
				"overlord_api_errors_total",
			)).To(Succeed())

			count, err := testutil.GatherAndCount(registry, "overlord_api_requests_in_flight")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
		})

		It("records refresh outcomes and cache activity", func() {
			server.authed.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, []string{"t1"})
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithMetrics(metrics),
				apiclient.WithTokens(apiclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}),
			)
			Expect(err).NotTo(HaveOccurred())
			server.expireAccessToken()

			key := apiclient.TopicsKey(nil)
			_, err = apiclient.Query[[]string](ctx, client, key, "/topics")
			Expect(err).NotTo(HaveOccurred())
			_, err = apiclient.Query[[]string](ctx, client, key, "/topics")
			Expect(err).NotTo(HaveOccurred())

			expected := `
# HELP overlord_api_session_refreshes_total Total number of session refreshes by outcome
# TYPE overlord_api_session_refreshes_total counter
overlord_api_session_refreshes_total{outcome="success"} 1
# HELP overlord_api_cache_hits_total Total number of query cache hits
# TYPE overlord_api_cache_hits_total counter
overlord_api_cache_hits_total{resource="topics"} 1
# HELP overlord_api_cache_misses_total Total number of query cache misses, including stale entries
# TYPE overlord_api_cache_misses_total counter
overlord_api_cache_misses_total{resource="topics"} 1
# HELP overlord_api_cache_entries Current number of entries in the query cache
# TYPE overlord_api_cache_entries gauge
overlord_api_cache_entries 1
`
			Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected),
				"overlord_api_session_refreshes_total",
				"overlord_api_cache_hits_total",
				"overlord_api_cache_misses_total",
				"overlord_api_cache_entries",
			)).To(Succeed())
		})

		It("tracks the circuit breaker state", func() {
			server.router.Get("/topics", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			})

			client, err := apiclient.New(server.URL(),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithMetrics(metrics),
				apiclient.WithRetry(apiclient.WithMaxRetries(0)),
				apiclient.WithCircuitBreaker(apiclient.WithReadyToTrip(func(c apiclient.CircuitBreakerCounts) bool {
					return c.ConsecutiveFailures >= 1
				})),
			)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Get(ctx, "/topics")
			Expect(err).To(HaveOccurred())

			expected := `
# HELP overlord_api_circuit_breaker_state Current state of circuit breaker (0=closed, 1=open, 2=half-open)
# TYPE overlord_api_circuit_breaker_state gauge
overlord_api_circuit_breaker_state{name="backend"} 1
`
			Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected),
				"overlord_api_circuit_breaker_state")).To(Succeed())
		})
	})
})
