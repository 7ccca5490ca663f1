package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/cuongbtq/jobplatform/internal/domain"
)

// Strategy computes the delay before a retry.
// attempt is the 1-based number of the execution that just failed.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every retry
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential doubles the delay with each attempt: Initial * 2^(attempt-1), capped at Max
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}

// NewStrategy builds a strategy from its configured name
func NewStrategy(name string, delay, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case domain.RetryStrategyFixed, "":
		return Fixed{Interval: delay}, nil
	case domain.RetryStrategyExponential:
		return Exponential{Initial: delay, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", name)
	}
}
