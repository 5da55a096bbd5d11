// Package auth issues and verifies the HMAC-signed bearer tokens accepted by
// the development API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadToken   = errors.New("bad token")
	ErrBadSig     = errors.New("invalid signature")
	ErrExpired    = errors.New("expired")
	ErrBadPayload = errors.New("bad payload")
	ErrNoSecret   = errors.New("signing secret is empty")
)

// Signer signs tokens of the form base64(subject|exp).base64(hmac).
type Signer struct {
	Secret []byte
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewSigner(secret string) Signer {
	return Signer{Secret: []byte(secret)}
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign returns a token for subject valid until exp.
func (s Signer) Sign(subject string, exp time.Time) (string, error) {
	if len(s.Secret) == 0 {
		return "", ErrNoSecret
	}
	if subject == "" || strings.Contains(subject, "|") {
		return "", ErrBadPayload
	}
	msg := subject + "|" + strconv.FormatInt(exp.Unix(), 10)
	payload := base64.RawURLEncoding.EncodeToString([]byte(msg))
	return payload + "." + s.mac([]byte(msg)), nil
}

// Issue signs a token for subject that expires after ttl.
func (s Signer) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	exp := s.now().Add(ttl)
	tok, err := s.Sign(subject, exp)
	return tok, exp, err
}

// Verify returns the token's subject.
func (s Signer) Verify(token string) (string, error) {
	if len(s.Secret) == 0 {
		return "", ErrNoSecret
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", ErrBadToken
	}
	raw, err := decodeURLB64(parts[0])
	if err != nil {
		return "", ErrBadToken
	}
	if !hmac.Equal([]byte(s.mac(raw)), []byte(parts[1])) {
		return "", ErrBadSig
	}

	fields := strings.SplitN(string(raw), "|", 2)
	if len(fields) != 2 {
		return "", ErrBadPayload
	}
	subject := strings.TrimSpace(fields[0])
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || subject == "" {
		return "", ErrBadPayload
	}
	if s.now().After(time.Unix(ts, 0)) {
		return "", ErrExpired
	}
	return subject, nil
}

func (s Signer) mac(msg []byte) string {
	m := hmac.New(sha256.New, s.Secret)
	m.Write(msg)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// decodeURLB64 tries raw (no padding) then padded
func decodeURLB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
