package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ongoingai/instrument/internal/errclass"
)

const (
	defaultMaxAttempts       = 3
	defaultBaseDelay         = time.Second
	defaultBackoffMultiplier = 2.0
)

// Predicate decides whether a classified failure deserves another attempt.
type Predicate func(*errclass.Error) bool

// Policy configures a single Do invocation. It is copied at call start.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay    time.Duration
	ShouldRetry Predicate
}

// DefaultPolicy retries network failures up to three attempts with a one
// second base delay doubling each time.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       defaultMaxAttempts,
		BaseDelay:         defaultBaseDelay,
		BackoffMultiplier: defaultBackoffMultiplier,
		ShouldRetry:       RetryNetworkOnly,
	}
}

// Normalize clamps out-of-range fields to usable values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMultiplier < 1 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		p.BackoffMultiplier = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = RetryNetworkOnly
	}
	return p
}

// Delay returns the wait before attempt+1, where attempt starts at 1:
// BaseDelay * BackoffMultiplier^(attempt-1), capped by MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 || p.BaseDelay == 0 {
		return 0
	}
	schedule := p.schedule()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = p.capDelay(schedule.NextBackOff())
	}
	return d
}

func (p Policy) capDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// schedule builds a deterministic exponential schedule: no jitter and no
// elapsed-time cutoff.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	maxInterval := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		maxInterval = p.MaxDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.BackoffMultiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// RetryNetworkOnly is the default predicate.
func RetryNetworkOnly(err *errclass.Error) bool {
	return err != nil && err.Kind == errclass.KindNetwork
}

// RetryKinds retries any of the listed kinds.
func RetryKinds(kinds ...errclass.Kind) Predicate {
	set := make(map[errclass.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(err *errclass.Error) bool {
		if err == nil {
			return false
		}
		_, ok := set[err.Kind]
		return ok
	}
}

// RetryCodes retries network failures plus API failures with any of codes,
// for example RATE_LIMIT or SERVER_ERROR.
func RetryCodes(codes ...string) Predicate {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(err *errclass.Error) bool {
		if err == nil {
			return false
		}
		if err.Kind == errclass.KindNetwork {
			return true
		}
		_, ok := set[err.Code]
		return ok
	}
}
