package ratelimit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// History is the arrival-ordered list of epoch-second timestamps recorded for
// one client. One admitted request is one entry; duplicates are expected when
// several requests land in the same second.
type History []int64

// Prune returns the entries younger than the retention horizon, that is every
// t with t > now - horizon. Order is preserved and h is not modified.
func (h History) Prune(now int64, horizon time.Duration) History {
	cutoff := now - int64(horizon/time.Second)
	kept := make(History, 0, len(h))
	for _, ts := range h {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Newest keeps at most n of the most recent entries. A non-positive n means
// no bound.
func (h History) Newest(n int) History {
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// Clone returns a copy that does not share the backing array with h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Encode returns the canonical text form of h: base64url (unpadded) of the
// JSON integer array. Equal histories always encode identically; an empty
// or nil history encodes the JSON array [].
func (h History) Encode() string {
	if h == nil {
		h = History{}
	}
	// Marshalling a slice of int64 cannot fail.
	raw, _ := json.Marshal([]int64(h))
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeHistory parses the canonical text form produced by Encode.
func DecodeHistory(s string) (History, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}
	var ts []int64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("unmarshal history payload: %w", err)
	}
	if ts == nil {
		return nil, fmt.Errorf("unmarshal history payload: not an array")
	}
	return History(ts), nil
}
