// ABOUTME: Rate-limit snapshot parsed from response headers and throttle delay
// ABOUTME: Delay grows linearly as the tightest remaining ratio falls under threshold

package provider

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Defaults used when a limit header is missing.
const (
	defaultRemaining         = 999999
	defaultInputTokensLimit  = 200000
	defaultOutputTokensLimit = 80000
	defaultRequestsLimit     = 4000
)

const (
	// DefaultThrottleThreshold is the remaining ratio under which calls are delayed.
	DefaultThrottleThreshold = 0.4
	// DefaultThrottleMaxDelay caps the proactive delay.
	DefaultThrottleMaxDelay = 60 * time.Second
	// DefaultRetryAfter is used when a 429 carries no retry-after header.
	DefaultRetryAfter = 60 * time.Second
)

const (
	headerPrefix          = "anthropic-ratelimit-"
	headerInputTokens     = "input-tokens"
	headerOutputTokens    = "output-tokens"
	headerRequests        = "requests"
	headerRemainingSuffix = "-remaining"
	headerLimitSuffix     = "-limit"
	retryAfterHeader      = "retry-after"
)

// Limit is one remaining/limit pair.
type Limit struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// Ratio is remaining over limit, with the limit floored at 1.
func (l Limit) Ratio() float64 {
	return float64(l.Remaining) / math.Max(float64(l.Limit), 1)
}

// Snapshot is the rate-limit state reported by the latest response.
type Snapshot struct {
	InputTokens  Limit `json:"inputTokens"`
	OutputTokens Limit `json:"outputTokens"`
	Requests     Limit `json:"requests"`
}

// MinRatio returns the tightest of the three ratios.
func (s *Snapshot) MinRatio() float64 {
	return math.Min(s.InputTokens.Ratio(), math.Min(s.OutputTokens.Ratio(), s.Requests.Ratio()))
}

// SnapshotFromHeaders parses the rate-limit headers. It returns nil when no
// remaining header carries a number, meaning no throttling applies.
func SnapshotFromHeaders(h http.Header) *Snapshot {
	if h == nil {
		return nil
	}

	found := false
	read := func(kind string, defaultLimit int) Limit {
		l := Limit{Remaining: defaultRemaining, Limit: defaultLimit}
		if v, ok := headerInt(h, headerPrefix+kind+headerRemainingSuffix); ok {
			l.Remaining = v
			found = true
		}
		if v, ok := headerInt(h, headerPrefix+kind+headerLimitSuffix); ok {
			l.Limit = v
		}
		return l
	}

	s := &Snapshot{
		InputTokens:  read(headerInputTokens, defaultInputTokensLimit),
		OutputTokens: read(headerOutputTokens, defaultOutputTokensLimit),
		Requests:     read(headerRequests, defaultRequestsLimit),
	}
	if !found {
		return nil
	}
	return s
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// RetryAfter reads the retry-after header in seconds, falling back to
// DefaultRetryAfter.
func RetryAfter(h http.Header) time.Duration {
	if h == nil {
		return DefaultRetryAfter
	}
	raw := h.Get(retryAfterHeader)
	if raw == "" {
		return DefaultRetryAfter
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}

// Throttle computes the proactive delay before a call.
type Throttle struct {
	Threshold float64
	MaxDelay  time.Duration
}

// DefaultThrottle returns the standard threshold and cap.
func DefaultThrottle() Throttle {
	return Throttle{Threshold: DefaultThrottleThreshold, MaxDelay: DefaultThrottleMaxDelay}
}

// Delay returns how long to wait before calling given snapshot s. A nil
// snapshot or a ratio at or above the threshold yields zero. Otherwise the
// delay is the proportion below threshold scaled to MaxDelay, at least one
// second and never more than MaxDelay.
func (t Throttle) Delay(s *Snapshot) time.Duration {
	if s == nil || t.Threshold <= 0 {
		return 0
	}
	minRatio := s.MinRatio()
	if minRatio >= t.Threshold {
		return 0
	}

	proportion := (t.Threshold - minRatio) / t.Threshold
	if proportion > 1 {
		proportion = 1
	}
	maxSecs := t.MaxDelay.Seconds()
	secs := math.Max(1, math.Round(proportion*maxSecs))
	if secs > maxSecs && maxSecs >= 1 {
		secs = maxSecs
	}
	return time.Duration(secs * float64(time.Second))
}
