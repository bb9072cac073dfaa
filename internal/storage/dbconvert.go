package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// marshalTimestamps encodes timestamps as a JSON array. A nil slice encodes
// as an empty array, never null.
func marshalTimestamps(ts []int64) (string, error) {
	if ts == nil {
		ts = []int64{}
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("marshal timestamps: %w", err)
	}
	return string(b), nil
}

// unmarshalTimestamps decodes a JSON array of timestamps. Anything else,
// including null, is reported as ErrCorrupt.
func unmarshalTimestamps(data string) ([]int64, error) {
	if data == "" {
		return []int64{}, nil
	}
	var ts []int64
	if err := json.Unmarshal([]byte(data), &ts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ts == nil {
		return nil, fmt.Errorf("%w: null timestamp list", ErrCorrupt)
	}
	return ts, nil
}

// expiryFor returns the absolute expiry for a write at now, or the zero
// time when ttl is not positive.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
