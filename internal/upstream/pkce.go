package upstream

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkcePair is the proof-of-possession material for one authorization-code
// exchange. A fresh pair is generated per login attempt and never reused.
type pkcePair struct {
	Verifier  string
	Challenge string
}

func newPKCEPair() (*pkcePair, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	return &pkcePair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// newStateValue returns the anti-forgery state parameter for one attempt.
func newStateValue() (string, error) {
	state, err := randomURLSafe(24)
	if err != nil {
		return "", fmt.Errorf("failed to generate state value: %w", err)
	}
	return state, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
