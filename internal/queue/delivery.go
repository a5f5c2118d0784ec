package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// DeliveryIssuer is the iss claim of queue callbacks.
const DeliveryIssuer = "Upstash"

var ErrInvalidDelivery = errors.New("invalid delivery signature")

type deliveryClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// DeliveryVerifier checks the JWT the HTTP queue attaches to each callback.
// Two keys are accepted so keys can rotate without dropping deliveries.
type DeliveryVerifier struct {
	currentKey string
	nextKey    string
	leeway     time.Duration
}

func NewDeliveryVerifier(currentKey, nextKey string) *DeliveryVerifier {
	return &DeliveryVerifier{currentKey: currentKey, nextKey: nextKey, leeway: 5 * time.Second}
}

// Verify validates token for body delivered to url.
func (v *DeliveryVerifier) Verify(token string, body []byte, url string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Unauthenticated("verify delivery", fmt.Errorf("%w: missing signature", ErrInvalidDelivery))
	}
	var lastErr error
	for _, key := range []string{v.currentKey, v.nextKey} {
		if key == "" {
			continue
		}
		if lastErr = verifyWithKey(token, key, body, url, v.leeway); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no signing key configured")
	}
	return domain.Unauthenticated("verify delivery", fmt.Errorf("%w: %v", ErrInvalidDelivery, lastErr))
}

func verifyWithKey(token, key string, body []byte, url string, leeway time.Duration) error {
	var claims deliveryClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(DeliveryIssuer),
		jwt.WithSubject(url),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return err
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SignDelivery produces a token Verify accepts. Local tooling and tests use it
// to exercise the callback endpoints.
func SignDelivery(key, url string, body []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DeliveryIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Body: bodyHash(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
