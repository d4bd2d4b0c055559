package service

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/smallbiznis/poolsync/internal/certificate/domain"
	"golang.org/x/crypto/blake2b"
)

// developmentKey signs certificates when no secret is configured.
const developmentKey = "poolsync-development-signing-key"

// Signer seals payloads with a keyed blake2b MAC. Key material beyond this
// shared secret is managed outside the service.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = developmentKey
	}
	sum := blake2b.Sum256([]byte(secret))
	return &Signer{key: sum[:]}
}

// Seal encodes the payload and returns its stored form and signature.
func (s *Signer) Seal(p *domain.Payload) ([]byte, string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	sig, err := s.sign(raw)
	if err != nil {
		return nil, "", err
	}
	return snappy.Encode(nil, raw), sig, nil
}

func (s *Signer) Open(stored []byte, signature string) (*domain.Payload, error) {
	raw, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, fmt.Errorf("decode certificate payload: %w", err)
	}
	expected, err := s.sign(raw)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, domain.ErrInvalidSignature
	}
	var p domain.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal certificate payload: %w", err)
	}
	return &p, nil
}

func (s *Signer) sign(raw []byte) (string, error) {
	mac, err := blake2b.New256(s.key)
	if err != nil {
		return "", err
	}
	_, _ = mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
