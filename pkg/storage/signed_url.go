package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid download token")
	// ErrTokenExpired is returned once a grant's expiry has passed.
	ErrTokenExpired = errors.New("download token expired")
)

// DownloadGrant is the signed claim carried by a download token.
type DownloadGrant struct {
	DocumentID string `json:"doc"`
	EducatorID string `json:"edu"`
	Path       string `json:"path"`
	SizeBytes  int64  `json:"size"`
	ExpiresAt  int64  `json:"exp"`
}

// Expiry returns the grant expiry as a time.
func (g DownloadGrant) Expiry() time.Time {
	return time.Unix(g.ExpiresAt, 0)
}

// DownloadSigner issues and checks HMAC-signed download grants.
type DownloadSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewDownloadSigner falls back to a 15 minute TTL.
func NewDownloadSigner(secret string, ttl time.Duration) *DownloadSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DownloadSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign stamps the grant with an expiry and returns the token.
func (s *DownloadSigner) Sign(grant DownloadGrant) (string, time.Time, error) {
	if grant.DocumentID == "" || grant.EducatorID == "" || grant.Path == "" {
		return "", time.Time{}, fmt.Errorf("document, educator and path are required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	grant.ExpiresAt = s.now().Add(s.ttl).Unix()
	raw, err := json.Marshal(grant)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode grant: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + s.signature(payload), grant.Expiry(), nil
}

// Verify checks the signature and expiry and returns the embedded grant.
func (s *DownloadSigner) Verify(token string) (*DownloadGrant, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || signature == "" {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(s.signature(payload)), []byte(signature)) {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var grant DownloadGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, ErrInvalidToken
	}
	if s.now().After(grant.Expiry()) {
		return nil, ErrTokenExpired
	}
	return &grant, nil
}

func (s *DownloadSigner) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
