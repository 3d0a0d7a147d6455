// Package backoff computes reconnect delays: exponential growth from a
// minimum, additive random jitter, a hard cap, and a reset once a connection
// has stayed up long enough.
package backoff

import (
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const (
	DefaultMin         = time.Second
	DefaultMax         = 60 * time.Second
	DefaultJitter      = 0.2
	DefaultStableAfter = 30 * time.Second
)

// Policy configures a Backoff.
type Policy struct {
	Min         time.Duration
	Max         time.Duration
	Jitter      float64       // fraction of the delay added at random, 0..1
	StableAfter time.Duration // a Ready period this long resets the attempt count
}

// DefaultPolicy returns the default reconnect policy.
func DefaultPolicy() Policy {
	return Policy{Min: DefaultMin, Max: DefaultMax, Jitter: DefaultJitter, StableAfter: DefaultStableAfter}
}

// Delay returns the wait before retry number attempt (zero based). The first
// attempt waits exactly min; later attempts double, gain up to jitter*delay
// extra, and never exceed max.
func Delay(min, max time.Duration, jitter float64, attempt int) time.Duration {
	if attempt <= 0 || min <= 0 {
		return min
	}
	delay := float64(min) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	if jitter > 0 {
		delay += delay * jitter * rand.Float64()
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive failed attempts. It is not safe for concurrent
// use; the connection loop owns it.
type Backoff struct {
	p       Policy
	attempt int
}

// New returns a Backoff for p.
func New(p Policy) *Backoff {
	if p.Max < p.Min {
		p.Max = p.Min
	}
	return &Backoff{p: p}
}

// Next returns the delay for the next attempt and counts it.
func (b *Backoff) Next() time.Duration {
	d := Delay(b.p.Min, b.p.Max, b.p.Jitter, b.attempt)
	if d < b.p.Max {
		b.attempt++
	}
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset starts again from the minimum delay.
func (b *Backoff) Reset() { b.attempt = 0 }

// Observe records how long the last connection stayed Ready and resets the
// sequence if that period reached the stability threshold.
func (b *Backoff) Observe(ready time.Duration) bool {
	if ready > 0 && ready >= b.p.StableAfter {
		b.Reset()
		return true
	}
	return false
}

// IsTransientError reports whether err looks like a network condition worth
// retrying quietly, as opposed to, say, a rejected credential.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"broken pipe",
		"connection closed",
		"close 1006",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
