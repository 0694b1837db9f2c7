package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// hmacMethods are the signing algorithms accepted in verify mode.
var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Verifier turns a raw token into its claims.
type Verifier interface {
	Verify(token string) (jwt.MapClaims, error)
}

// HMACVerifier checks the signature against a shared secret and
// enforces exp/nbf when present.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACVerifier creates an HMACVerifier.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods(hmacMethods)),
	}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("verify token: token is not valid")
	}
	return claims, nil
}

// UnverifiedDecoder reads the payload without checking the signature or any
// time based claims. Anyone can forge a token it accepts.
type UnverifiedDecoder struct {
	parser *jwt.Parser
}

// NewUnverifiedDecoder creates an UnverifiedDecoder.
func NewUnverifiedDecoder() *UnverifiedDecoder {
	return &UnverifiedDecoder{parser: jwt.NewParser()}
}

// Verify implements Verifier.
func (d *UnverifiedDecoder) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := d.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// Sign mints an HS256 token for subject that expires after ttl.
func Sign(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
