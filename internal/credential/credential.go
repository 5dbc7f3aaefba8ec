// Package credential mints and verifies streaming credentials: signed,
// time-bounded claim sets authorizing retrieval of one media object.
//
// Credentials are ephemeral and never persisted. The storage gateway
// verifies the signature offline — it has no path back to the concurrency
// guard or the database — so a credential stays valid for its full TTL
// even if the stream is stopped early. That is accepted: expiry is the
// only teardown signal.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/perchtv/perch/internal/metrics"
	"github.com/perchtv/perch/internal/plan"
)

// DefaultTTL is the credential lifetime when the caller does not override
// it. Pre-signed retrieval URLs are requested with the same TTL so both
// artifacts expire together.
const DefaultTTL = 2 * time.Hour

// Claims is the signed claim set. Opaque to clients.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"userId"`
	ContentID   string `json:"contentId"`
	ContentType string `json:"contentType"`
	SeriesID    string `json:"seriesId,omitempty"`
	SeasonID    string `json:"seasonId,omitempty"`
	StreamID    string `json:"streamId"`
	DeviceID    string `json:"deviceId"`
	Quality     string `json:"quality"`
}

// Request carries everything a credential encodes.
type Request struct {
	AccountID   uuid.UUID
	ContentID   string
	ContentType string
	SeriesID    string
	SeasonID    string
	StreamID    uuid.UUID
	DeviceID    string
	Quality     plan.Quality
	TTL         time.Duration // zero means DefaultTTL
}

// Issuer signs streaming credentials with an HMAC secret shared with the
// storage gateway.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer. now may be nil (defaults to time.Now).
func NewIssuer(secret string, now func() time.Time) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("credential: signing secret is empty")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), now: now}, nil
}

// Issue mints a signed credential. Returns the compact token and its
// absolute expiry.
func (i *Issuer) Issue(req Request) (string, time.Time, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := i.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.AccountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "perch",
		},
		UserID:      req.AccountID.String(),
		ContentID:   req.ContentID,
		ContentType: req.ContentType,
		SeriesID:    req.SeriesID,
		SeasonID:    req.SeasonID,
		StreamID:    req.StreamID.String(),
		DeviceID:    req.DeviceID,
		Quality:     string(req.Quality),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("credential: sign: %w", err)
	}

	metrics.CredentialsIssued.WithLabelValues(req.ContentType).Inc()
	return token, expiresAt, nil
}

// Verify parses and validates a credential. This is the same check the
// storage gateway performs — no database round trip.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("credential: verify: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("credential: invalid claims")
	}
	return claims, nil
}
