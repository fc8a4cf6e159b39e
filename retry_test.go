package apiclient_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var _ = Describe("RetryWrapper", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *mockExecutor
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		client = &mockExecutor{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
	})

	AfterEach(func() {
		cancel()
	})

	fastRetry := func(opts ...apiclient.RetryOption) *apiclient.RetryWrapper {
		base := []apiclient.RetryOption{
			apiclient.WithBackoff(time.Millisecond, 5*time.Millisecond),
			apiclient.WithJitter(noJitter),
			apiclient.WithRetryLogger(logger),
		}
		return apiclient.NewRetryWrapper(client, append(base, opts...)...)
	}

	Describe("Execute", func() {
		It("returns the response on first-attempt success", func() {
			client.executeFunc = failNTimes(0, nil)

			wrapper := fastRetry()
			resp, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/things"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(200))
			Expect(client.getCallCount()).To(Equal(1))

			stats := wrapper.GetRetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(1)))
			Expect(stats.TotalRetries).To(BeZero())
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(BeZero())
		})

		DescribeTable("makes maxRetries+1 attempts for persistent server errors",
			func(status int) {
				client = &mockExecutor{}
				client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(status, errors.New("down")))

				wrapper := fastRetry(apiclient.WithMaxRetries(3))
				_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/things"})

				var enhanced *apiclient.Error
				Expect(errors.As(err, &enhanced)).To(BeTrue())
				Expect(enhanced.Kind).To(Equal(apiclient.KindServer))
				Expect(enhanced.RetryCount).To(Equal(3))
				Expect(client.getCallCount()).To(Equal(4))
			},
			Entry("500", http.StatusInternalServerError),
			Entry("502", http.StatusBadGateway),
			Entry("503", http.StatusServiceUnavailable),
			Entry("504", http.StatusGatewayTimeout),
		)

		It("succeeds after three 503s with retryCount 3", func() {
			client.executeFunc = failNTimes(3, apiclient.NewStatusCodeError(503, errors.New("unavailable")))

			wrapper := fastRetry(apiclient.WithMaxRetries(3))
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})

			resp, err := op.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(200))
			Expect(op.State()).To(Equal(apiclient.OpSucceeded))
			Expect(op.RetryCount()).To(Equal(3))
			Expect(client.getCallCount()).To(Equal(4))
		})

		It("does not retry AUTHENTICATION failures under the default policy", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(401, errors.New("session expired")))

			wrapper := fastRetry()
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodPost, URL: "/things"})

			var enhanced *apiclient.Error
			Expect(errors.As(err, &enhanced)).To(BeTrue())
			Expect(enhanced.Kind).To(Equal(apiclient.KindAuthentication))
			Expect(enhanced.Recoverable).To(BeTrue())
			Expect(client.getCallCount()).To(Equal(1))
		})

		It("never retries AUTHENTICATION even when the policy lists it as retryable", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(401, errors.New("session expired")))

			wrapper := fastRetry(
				apiclient.WithMaxRetries(3),
				apiclient.WithRetryableKinds(apiclient.KindAuthentication, apiclient.KindServer),
			)
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/me"})

			var enhanced *apiclient.Error
			Expect(errors.As(err, &enhanced)).To(BeTrue())
			Expect(enhanced.Kind).To(Equal(apiclient.KindAuthentication))
			Expect(client.getCallCount()).To(Equal(1), "an expired session must not be replayed")
		})

		It("does not retry VALIDATION failures", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(422, errors.New("bad input")))

			_, err := fastRetry().Execute(ctx, &apiclient.Request{Method: http.MethodPost, URL: "/things"})
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(1))
		})

		It("keeps one correlation id across all attempts", func() {
			var ids []string
			client.executeFunc = func(ctx context.Context, req *apiclient.Request) (*apiclient.Response, error) {
				ids = append(ids, apiclient.OperationIDFromContext(ctx))
				return nil, apiclient.NewStatusCodeError(503, errors.New("down"))
			}

			wrapper := fastRetry(apiclient.WithMaxRetries(2))
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})
			_, err := op.Run(ctx)
			Expect(err).To(HaveOccurred())

			Expect(ids).To(HaveLen(3))
			for _, id := range ids {
				Expect(id).To(Equal(op.ID()))
			}
		})

		It("invokes the per-attempt callback with increasing retry counts", func() {
			var attempts []int
			var counts []int
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(500, errors.New("boom")))

			wrapper := fastRetry(
				apiclient.WithMaxRetries(2),
				apiclient.WithAttemptCallback(func(attempt int, err *apiclient.Error) {
					attempts = append(attempts, attempt)
					counts = append(counts, err.RetryCount)
				}),
			)
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/things"})
			Expect(err).To(HaveOccurred())
			Expect(attempts).To(Equal([]int{1, 2, 3}))
			Expect(counts).To(Equal([]int{0, 1, 2}))
		})

		It("honours a custom retry predicate over the kind set", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(500, errors.New("boom")))

			wrapper := fastRetry(
				apiclient.WithMaxRetries(5),
				apiclient.WithRetryPredicate(func(err *apiclient.Error) bool { return false }),
			)
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/things"})
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(1))
		})

		It("honours a per-request policy override", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(503, errors.New("down")))

			wrapper := fastRetry(apiclient.WithMaxRetries(5))
			_, err := wrapper.Execute(ctx, &apiclient.Request{
				Method: http.MethodGet,
				URL:    "/things",
				Retry: &apiclient.RetryPolicy{
					MaxRetries:   1,
					InitialDelay: time.Millisecond,
					MaxDelay:     2 * time.Millisecond,
					Jitter:       noJitter,
				},
			})
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(2))
		})

		It("notifies the session handler on terminal AUTHENTICATION errors", func() {
			var notified atomic.Int32
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(401, errors.New("expired")))

			wrapper := fastRetry(apiclient.WithSessionHandler(func(err *apiclient.Error) {
				notified.Add(1)
				Expect(err.Kind).To(Equal(apiclient.KindAuthentication))
			}))
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/me"})
			Expect(err).To(HaveOccurred())
			Expect(notified.Load()).To(Equal(int32(1)))
		})

		It("short-circuits a cancelled backoff wait to the last classified error", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(503, errors.New("down")))

			opCtx, opCancel := context.WithCancel(ctx)
			wrapper := apiclient.NewRetryWrapper(
				client,
				apiclient.WithMaxRetries(5),
				apiclient.WithBackoff(200*time.Millisecond, time.Second),
				apiclient.WithJitter(noJitter),
				apiclient.WithRetryLogger(logger),
				apiclient.WithAttemptCallback(func(attempt int, err *apiclient.Error) {
					if attempt == 1 {
						opCancel()
					}
				}),
			)
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})

			_, err := op.Run(opCtx)
			var enhanced *apiclient.Error
			Expect(errors.As(err, &enhanced)).To(BeTrue(), "cancellation must surface the classified error, not a bare context error")
			Expect(enhanced.Kind).To(Equal(apiclient.KindServer))
			Expect(op.State()).To(Equal(apiclient.OpExhausted))
		})
	})

	Describe("Retry (manual resumption)", func() {
		It("resumes an exhausted operation and can succeed", func() {
			client.executeFunc = failNTimes(3, apiclient.NewStatusCodeError(503, errors.New("down")))

			wrapper := fastRetry(apiclient.WithMaxRetries(2))
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})

			_, err := op.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(op.State()).To(Equal(apiclient.OpExhausted))
			Expect(client.getCallCount()).To(Equal(3))

			resp, err := op.Retry(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(200))
			Expect(op.State()).To(Equal(apiclient.OpSucceeded))
			Expect(client.getCallCount()).To(Equal(4))
		})

		It("becomes a no-op past the original bound", func() {
			client.executeFunc = failNTimes(100, apiclient.NewStatusCodeError(503, errors.New("down")))

			wrapper := fastRetry(apiclient.WithMaxRetries(1))
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})

			_, err := op.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(2))

			_, err = op.Retry(ctx)
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(3))

			// Bound reached: no further requests are made.
			_, err = op.Retry(ctx)
			Expect(err).To(HaveOccurred())
			Expect(client.getCallCount()).To(Equal(3))
		})

		It("returns the result when already succeeded", func() {
			client.executeFunc = failNTimes(0, nil)

			wrapper := fastRetry()
			op := wrapper.Begin(&apiclient.Request{Method: http.MethodGet, URL: "/things"})

			first, err := op.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			again, err := op.Retry(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeIdenticalTo(first))
			Expect(client.getCallCount()).To(Equal(1))
		})
	})

	Describe("stats", func() {
		It("tracks attempts, retries, successes and failures", func() {
			client.executeFunc = failNTimes(2, apiclient.NewStatusCodeError(503, errors.New("down")))

			wrapper := fastRetry(apiclient.WithMaxRetries(3))
			_, err := wrapper.Execute(ctx, &apiclient.Request{Method: http.MethodGet, URL: "/things"})
			Expect(err).NotTo(HaveOccurred())

			stats := wrapper.GetRetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(3)))
			Expect(stats.TotalRetries).To(Equal(int64(2)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(Equal(int64(0)))
		})
	})
})
