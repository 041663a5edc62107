package apiclient_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/joshSzep/therobotoverlord-web-sub001"
)

var _ = Describe("LoadConfigFromEnv", func() {
	BeforeEach(func() {
		for _, name := range []string{
			apiclient.EnvBaseURL,
			apiclient.EnvAttemptTimeout,
			apiclient.EnvRefreshTimeout,
			apiclient.EnvMaxRetries,
			apiclient.EnvRetryBaseDelay,
			apiclient.EnvRetryMaxDelay,
			apiclient.EnvStaleTime,
			apiclient.EnvRefreshPath,
		} {
			GinkgoT().Setenv(name, "")
		}
	})

	It("requires the base URL", func() {
		_, err := apiclient.LoadConfigFromEnv()
		Expect(err).To(MatchError(ContainSubstring(apiclient.EnvBaseURL)))
	})

	It("falls back to the defaults", func() {
		GinkgoT().Setenv(apiclient.EnvBaseURL, "https://api.example.com/api/v1")

		cfg, err := apiclient.LoadConfigFromEnv()
		Expect(err).NotTo(HaveOccurred())

		defaults := apiclient.DefaultConfig()
		Expect(cfg.BaseURL).To(Equal("https://api.example.com/api/v1"))
		Expect(cfg.AttemptTimeout).To(Equal(defaults.AttemptTimeout))
		Expect(cfg.Retry.MaxRetries).To(Equal(defaults.Retry.MaxRetries))
		Expect(cfg.Retry.BaseDelay).To(Equal(defaults.Retry.BaseDelay))
		Expect(cfg.RefreshPath).To(Equal("/auth/refresh"))
	})

	It("reads overrides", func() {
		GinkgoT().Setenv(apiclient.EnvBaseURL, "https://api.example.com")
		GinkgoT().Setenv(apiclient.EnvAttemptTimeout, "5s")
		GinkgoT().Setenv(apiclient.EnvRefreshTimeout, "2s")
		GinkgoT().Setenv(apiclient.EnvMaxRetries, "1")
		GinkgoT().Setenv(apiclient.EnvRetryBaseDelay, "50ms")
		GinkgoT().Setenv(apiclient.EnvRetryMaxDelay, "1s")
		GinkgoT().Setenv(apiclient.EnvStaleTime, "1m")
		GinkgoT().Setenv(apiclient.EnvRefreshPath, "/auth/token/refresh")

		cfg, err := apiclient.LoadConfigFromEnv()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.AttemptTimeout).To(Equal(5 * time.Second))
		Expect(cfg.RefreshTimeout).To(Equal(2 * time.Second))
		Expect(cfg.Retry.MaxRetries).To(Equal(1))
		Expect(cfg.Retry.BaseDelay).To(Equal(50 * time.Millisecond))
		Expect(cfg.Retry.MaxDelay).To(Equal(time.Second))
		Expect(cfg.DefaultStaleTime).To(Equal(time.Minute))
		Expect(cfg.RefreshPath).To(Equal("/auth/token/refresh"))

		client, err := apiclient.NewFromConfig(cfg, apiclient.WithLogger(quietLogger()))
		Expect(err).NotTo(HaveOccurred())
		Expect(client.RetryPolicy().MaxRetries()).To(Equal(1))
	})

	DescribeTable("rejects invalid values",
		func(name, value, fragment string) {
			GinkgoT().Setenv(apiclient.EnvBaseURL, "https://api.example.com")
			GinkgoT().Setenv(name, value)

			_, err := apiclient.LoadConfigFromEnv()
			Expect(err).To(MatchError(ContainSubstring(fragment)))
		},
		Entry("unparseable duration", apiclient.EnvAttemptTimeout, "fast", "must be a duration"),
		Entry("negative duration", apiclient.EnvStaleTime, "-1s", "must not be negative"),
		Entry("non-integer retries", apiclient.EnvMaxRetries, "three", "must be an integer"),
		Entry("negative retries", apiclient.EnvMaxRetries, "-1", "must not be negative"),
	)
})
