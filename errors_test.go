package apiclient_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/joshSzep/therobotoverlord-web-sub001"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

var _ = Describe("Error normalization", func() {
	Describe("NormalizeResponse", func() {
		DescribeTable("maps status codes to kinds",
			func(status int, kind apiclient.Kind) {
				err := apiclient.NormalizeResponse(status, nil, nil)
				Expect(err).NotTo(BeNil())
				Expect(err.Kind).To(Equal(kind))
				Expect(err.Status).To(Equal(status))
				Expect(err.Message).To(Equal(apiclient.DefaultMessage(kind)))
			},
			Entry("400", http.StatusBadRequest, apiclient.KindValidation),
			Entry("401", http.StatusUnauthorized, apiclient.KindAuthentication),
			Entry("403", http.StatusForbidden, apiclient.KindAuthorization),
			Entry("404", http.StatusNotFound, apiclient.KindNotFound),
			Entry("409", http.StatusConflict, apiclient.KindUnknown),
			Entry("422", http.StatusUnprocessableEntity, apiclient.KindValidation),
			Entry("429", http.StatusTooManyRequests, apiclient.KindUnknown),
			Entry("500", http.StatusInternalServerError, apiclient.KindServerError),
			Entry("503", http.StatusServiceUnavailable, apiclient.KindServerError),
			Entry("599", 599, apiclient.KindServerError),
			Entry("302", http.StatusFound, apiclient.KindUnknown),
		)

		It("uses the message of an envelope", func() {
			err := apiclient.NormalizeResponse(http.StatusNotFound, nil,
				[]byte(`{"success": false, "message": "Topic not found", "data": null}`))
			Expect(err.Message).To(Equal("Topic not found"))
		})

		It("uses a string detail", func() {
			err := apiclient.NormalizeResponse(http.StatusUnauthorized, nil,
				[]byte(`{"detail": "Could not validate credentials"}`))
			Expect(err.Kind).To(Equal(apiclient.KindAuthentication))
			Expect(err.Message).To(Equal("Could not validate credentials"))
		})

		It("preserves FastAPI field details for validation errors", func() {
			body := `{"detail": [
				{"loc": ["body", "title"], "msg": "field required", "type": "value_error.missing"},
				{"loc": ["body", "tags", 0], "msg": "too long", "type": "value_error"}
			]}`
			err := apiclient.NormalizeResponse(http.StatusUnprocessableEntity, nil, []byte(body))

			Expect(err.Kind).To(Equal(apiclient.KindValidation))
			Expect(err.Details).To(ConsistOf(
				apiclient.FieldError{Field: "title", Message: "field required", Code: "value_error.missing"},
				apiclient.FieldError{Field: "tags[0]", Message: "too long", Code: "value_error"},
			))
			Expect(err.Message).To(Equal(apiclient.DefaultMessage(apiclient.KindValidation)))
		})

		It("reads nested error objects with field maps", func() {
			body := `{"error": {"code": "INVALID_POST", "message": "Post is invalid",
				"details": {"content": ["is too short", "contains banned words"]}}}`
			err := apiclient.NormalizeResponse(http.StatusBadRequest, nil, []byte(body))

			Expect(err.Message).To(Equal("Post is invalid"))
			Expect(err.Code).To(Equal("INVALID_POST"))
			Expect(err.FieldMessages()).To(HaveKeyWithValue("content",
				[]string{"is too short", "contains banned words"}))
		})

		It("reads a top-level errors map", func() {
			err := apiclient.NormalizeResponse(http.StatusBadRequest, nil,
				[]byte(`{"errors": {"email": "already registered"}}`))
			Expect(err.Details).To(ConsistOf(apiclient.FieldError{Field: "email", Message: "already registered"}))
			Expect(err.Message).To(Equal("already registered"))
		})

		It("drops details for non-validation kinds", func() {
			err := apiclient.NormalizeResponse(http.StatusInternalServerError, nil,
				[]byte(`{"message": "boom", "errors": {"x": "y"}}`))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Message).To(Equal("boom"))
		})

		It("uses short plain-text bodies", func() {
			h := http.Header{"Content-Type": []string{"text/plain"}}
			err := apiclient.NormalizeResponse(http.StatusBadGateway, h, []byte("upstream unavailable\n"))
			Expect(err.Message).To(Equal("upstream unavailable"))
		})

		It("ignores HTML bodies", func() {
			h := http.Header{"Content-Type": []string{"text/html"}}
			err := apiclient.NormalizeResponse(http.StatusBadGateway, h,
				[]byte("<html><body><h1>502 Bad Gateway</h1></body></html>"))
			Expect(err.Message).To(Equal(apiclient.DefaultMessage(apiclient.KindServerError)))
		})

		It("never panics on malformed input", func() {
			inputs := []string{`{`, `[1,2`, `null`, `"quoted"`, `{"detail": 42}`, `{"errors": [null, 3]}`, "\x00\xff"}
			for _, in := range inputs {
				Expect(func() {
					err := apiclient.NormalizeResponse(http.StatusBadRequest, nil, []byte(in))
					Expect(err).NotTo(BeNil())
					Expect(err.Message).NotTo(BeEmpty())
				}).NotTo(Panic())
			}
		})
	})

	Describe("Normalize", func() {
		It("returns nil for nil", func() {
			Expect(apiclient.Normalize(nil)).To(BeNil())
		})

		It("passes *Error values through", func() {
			original := apiclient.NormalizeResponse(http.StatusNotFound, nil, nil)
			wrapped := fmt.Errorf("loading topic: %w", original)
			Expect(apiclient.Normalize(wrapped)).To(BeIdenticalTo(original))
		})

		It("maps deadlines to timeout", func() {
			Expect(apiclient.Normalize(context.DeadlineExceeded).Kind).To(Equal(apiclient.KindTimeout))
			Expect(apiclient.Normalize(fakeNetError{timeout: true}).Kind).To(Equal(apiclient.KindTimeout))
			Expect(apiclient.Normalize(jperrors.NewTimeoutError("slow", "op", time.Second)).Kind).
				To(Equal(apiclient.KindTimeout))
		})

		It("maps cancellation to unknown with a canceled code", func() {
			err := apiclient.Normalize(context.Canceled)
			Expect(err.Kind).To(Equal(apiclient.KindUnknown))
			Expect(err.Code).To(Equal(apiclient.CodeCanceled))
		})

		It("maps other transport failures to network", func() {
			err := apiclient.Normalize(errors.New("connection refused"))
			Expect(err.Kind).To(Equal(apiclient.KindNetwork))
			Expect(err.Status).To(BeZero())
			Expect(err.Message).To(Equal(apiclient.DefaultMessage(apiclient.KindNetwork)))
		})
	})

	Describe("Error", func() {
		It("matches targets by kind and optional status", func() {
			err := fmt.Errorf("wrapped: %w", apiclient.NormalizeResponse(http.StatusNotFound, nil, nil))

			Expect(errors.Is(err, &apiclient.Error{Kind: apiclient.KindNotFound})).To(BeTrue())
			Expect(errors.Is(err, &apiclient.Error{Kind: apiclient.KindNotFound, Status: 404})).To(BeTrue())
			Expect(errors.Is(err, &apiclient.Error{Kind: apiclient.KindNotFound, Status: 410})).To(BeFalse())
			Expect(errors.Is(err, &apiclient.Error{Kind: apiclient.KindValidation})).To(BeFalse())
		})

		It("exposes kind helpers", func() {
			err := apiclient.NormalizeResponse(http.StatusForbidden, nil, nil)
			Expect(apiclient.KindOf(err)).To(Equal(apiclient.KindAuthorization))
			Expect(apiclient.IsKind(err, apiclient.KindAuthorization)).To(BeTrue())
			Expect(apiclient.KindOf(nil)).To(BeEmpty())
			Expect(err.StatusCode()).To(Equal(403))
		})

		It("unwraps to its cause", func() {
			err := apiclient.Normalize(context.DeadlineExceeded)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("timeout"))
		})
	})
})
