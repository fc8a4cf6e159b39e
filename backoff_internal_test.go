package apiclient

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// These specs step the backoff schedule directly so the delay bounds are
// checked without sleeping.
var _ = Describe("RetryPolicy backoff", func() {
	delays := func(p *RetryPolicy) []time.Duration {
		b := p.backoff()
		var out []time.Duration
		for {
			d, stop := b.Next()
			if stop {
				return out
			}
			out = append(out, d)
		}
	}

	It("doubles per attempt with zero jitter", func() {
		p := &RetryPolicy{
			MaxRetries:   4,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Hour,
			Jitter:       func(time.Duration) time.Duration { return 0 },
		}
		Expect(delays(p)).To(Equal([]time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
		}))
	})

	It("caps every delay at MaxDelay", func() {
		p := &RetryPolicy{
			MaxRetries:   6,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Jitter:       func(max time.Duration) time.Duration { return max },
		}
		for _, d := range delays(p) {
			Expect(d).To(BeNumerically("<=", 10*time.Second))
		}
	})

	It("never perturbs below 70% of the unjittered delay", func() {
		p := &RetryPolicy{
			MaxRetries:   5,
			InitialDelay: time.Second,
			MaxDelay:     time.Hour,
			Jitter:       func(max time.Duration) time.Duration { return -max },
		}
		base := time.Second
		for _, d := range delays(p) {
			Expect(d).To(BeNumerically(">=", 7*base/10))
			Expect(d).To(BeNumerically("<", base))
			base *= 2
		}
	})

	It("stays within +30% of the unjittered delay", func() {
		p := &RetryPolicy{
			MaxRetries:   5,
			InitialDelay: time.Second,
			MaxDelay:     time.Hour,
			Jitter:       func(max time.Duration) time.Duration { return max },
		}
		base := time.Second
		for _, d := range delays(p) {
			Expect(d).To(BeNumerically("<=", 13*base/10))
			base *= 2
		}
	})

	It("yields no delays when MaxRetries is zero", func() {
		p := &RetryPolicy{
			MaxRetries:   0,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
		}
		Expect(delays(p)).To(BeEmpty())
	})

	It("produces bounded jitter from the default source", func() {
		max := 300 * time.Millisecond
		for i := 0; i < 100; i++ {
			j := cryptoJitter(max)
			Expect(j).To(BeNumerically(">=", -max))
			Expect(j).To(BeNumerically("<=", max))
		}
	})
})
