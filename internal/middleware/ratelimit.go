package middleware

import (
	"fmt"

	"golang.org/x/time/rate"
)

// Limits: per-board and per-message limits enforced by the dispatcher and transport.
// MaxMessageSize is applied as the socket read limit.
type Limits struct {
	MaxBoardSubscribers int
	MaxMessageSize      int
	MaxObjectDepth      int
	MaxObjectElements   int
	MessagesPerSecond   float64
	BurstSize           int
}

// CanSubscribe: checks if a board has room for another viewer
func (l *Limits) CanSubscribe(current int) bool {
	return current < l.MaxBoardSubscribers
}

// NewMessageLimiter: token bucket for one connection's inbound messages
func (l *Limits) NewMessageLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(l.MessagesPerSecond), l.BurstSize)
}

// ValidateObjectComplexity: validates object payload complexity.
// Checks nesting depth and unique key count (not array lengths)
func (l *Limits) ValidateObjectComplexity(data map[string]interface{}) error {
	depth, keys := validateComplexity(data, 0)

	if depth > l.MaxObjectDepth {
		return fmt.Errorf("object nesting too deep: %d levels (max %d)", depth, l.MaxObjectDepth)
	}

	if keys > l.MaxObjectElements {
		return fmt.Errorf("object too complex: %d keys (max %d)", keys, l.MaxObjectElements)
	}

	return nil
}

// validateComplexity: recursively checks depth and counts unique keys
func validateComplexity(data interface{}, currentDepth int) (int, int) {
	maxDepth := currentDepth
	keyCount := 0

	switch v := data.(type) {
	case map[string]interface{}:
		keyCount = len(v)
		for _, val := range v {
			subDepth, subKeys := validateComplexity(val, currentDepth+1)
			if subDepth > maxDepth {
				maxDepth = subDepth
			}
			keyCount += subKeys
		}
	case []interface{}:
		// Don't count array length
		for _, val := range v {
			subDepth, subKeys := validateComplexity(val, currentDepth+1)
			if subDepth > maxDepth {
				maxDepth = subDepth
			}
			keyCount += subKeys
		}
	}

	return maxDepth, keyCount
}
