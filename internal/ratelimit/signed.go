package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MinSecretLength is the shortest MAC key accepted by NewSignedStore.
const MinSecretLength = 32

// Token is a client-held history: the canonical payload and its hex-encoded
// HMAC-SHA256 signature. Both travel to the client and back unmodified.
type Token struct {
	Payload   string
	Signature string
}

// IsZero reports whether no token was presented at all.
func (t Token) IsZero() bool {
	return t.Payload == "" && t.Signature == ""
}

// SignedStore hands each client its own history, authenticated with a
// server-held secret so it cannot be forged or edited. It keeps no state
// between requests and needs no locking.
type SignedStore struct {
	secret []byte
	cfg    storeConfig
}

var _ Store = (*SignedStore)(nil)

// NewSignedStore creates a client-held store. The secret is copied.
func NewSignedStore(secret []byte, opts ...StoreOption) (*SignedStore, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SignedStore{secret: key, cfg: newStoreConfig(opts)}, nil
}

// Load verifies the presented token and returns its history. A missing token
// is an empty history. A token that fails verification is also an empty
// history, reported as ErrTokenTampered.
func (s *SignedStore) Load(_ context.Context, subj *Subject) (History, error) {
	if subj.Token.IsZero() {
		return nil, nil
	}
	h, err := s.Verify(subj.Token)
	if err != nil {
		return nil, err
	}
	return s.cfg.trim(h), nil
}

// Save prunes h, signs it and leaves the new token in subj.Issued.
func (s *SignedStore) Save(_ context.Context, subj *Subject, h History) error {
	tok := s.Sign(s.cfg.trim(h))
	subj.Issued = &tok
	return nil
}

// Sign encodes h canonically and signs the encoding. It does not prune.
func (s *SignedStore) Sign(h History) Token {
	payload := h.Encode()
	return Token{Payload: payload, Signature: s.mac(payload)}
}

// Verify checks the signature byte for byte before decoding the payload.
func (s *SignedStore) Verify(t Token) (History, error) {
	expected := s.mac(t.Payload)
	if !hmac.Equal([]byte(t.Signature), []byte(expected)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrTokenTampered)
	}
	h, err := DecodeHistory(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenTampered, err)
	}
	return h, nil
}

func (s *SignedStore) mac(payload string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}
