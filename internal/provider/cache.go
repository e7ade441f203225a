// ABOUTME: Prompt-cache marker placement over a thread's message window
// ABOUTME: Keeps a marker while it sits in the target band, else moves it forward

package provider

import (
	"math"

	"github.com/biznet-io/coday/internal/thread"
)

// Cache placement defaults.
const (
	DefaultCachePlacement       = 0.9
	DefaultCacheUpdateThreshold = 0.5
	DefaultCacheMinMessages     = 5
)

// CacheStrategy decides which message anchors provider-side prompt caching.
type CacheStrategy struct {
	Placement       float64
	UpdateThreshold float64
	MinMessages     int
}

// DefaultCacheStrategy returns the standard 0.5-0.9 band over at least five
// messages.
func DefaultCacheStrategy() CacheStrategy {
	return CacheStrategy{
		Placement:       DefaultCachePlacement,
		UpdateThreshold: DefaultCacheUpdateThreshold,
		MinMessages:     DefaultCacheMinMessages,
	}
}

// Place returns the marker message id and its index in msgs. The current
// marker is kept while its position divided by len(msgs) stays within
// [UpdateThreshold, Placement]; otherwise it moves to floor(len*Placement).
// With fewer than MinMessages messages no marker is placed and index is -1.
func (c CacheStrategy) Place(current string, msgs []thread.Message) (string, int) {
	n := len(msgs)
	if n == 0 || n < c.MinMessages {
		return "", -1
	}

	if current != "" {
		for i, m := range msgs {
			if m.MessageID() != current {
				continue
			}
			ratio := float64(i) / float64(n)
			if ratio >= c.UpdateThreshold && ratio <= c.Placement {
				return current, i
			}
			break
		}
	}

	idx := int(math.Floor(float64(n) * c.Placement))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return msgs[idx].MessageID(), idx
}

// cacheState is the provider-scoped data persisted on the thread.
type cacheState struct {
	CacheMarkerMessageID string `json:"cacheMarkerMessageId,omitempty"`
}
