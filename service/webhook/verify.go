package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// StripeSignatureHeader carries "t=<unix>,v1=<hex>" pairs.
	StripeSignatureHeader = "Stripe-Signature"

	// PlaidVerificationHeader carries an HS256 JWT over the body hash.
	PlaidVerificationHeader = "Plaid-Verification"

	// DefaultTolerance bounds how old a signed delivery may be.
	DefaultTolerance = 5 * time.Minute
)

// Verifier authenticates a delivery before anything else looks at it.
type Verifier interface {
	Verify(body []byte, headers http.Header) error
}

// StripeVerifier checks Stripe-Signature headers.
type StripeVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeVerifier creates a verifier for the endpoint's signing secret.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func stripeMAC(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignStripe builds a Stripe-Signature header value. Used by tests and the CLI.
func SignStripe(secret string, body []byte, ts time.Time) string {
	sig := stripeMAC([]byte(secret), ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

// Verify accepts the delivery when any v1 signature matches and the
// timestamp is within tolerance.
func (v *StripeVerifier) Verify(body []byte, headers http.Header) error {
	reject := func(reason string) error {
		return &domain.SignatureVerificationError{Provider: domain.ProviderStripe, Reason: reason}
	}
	if len(v.secret) == 0 {
		return reject("no signing secret configured")
	}
	header := headers.Get(StripeSignatureHeader)
	if header == "" {
		return reject("missing " + StripeSignatureHeader + " header")
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return reject("malformed timestamp")
			}
			ts = n
		case "v1":
			if sig, err := hex.DecodeString(val); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 {
		return reject("missing timestamp")
	}
	if len(sigs) == 0 {
		return reject("no v1 signature")
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return reject("timestamp outside tolerance")
	}

	expected := stripeMAC(v.secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return reject("signature mismatch")
}

// PlaidVerifier checks Plaid-Verification JWTs.
type PlaidVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewPlaidVerifier creates a verifier for the shared webhook secret.
func NewPlaidVerifier(secret string, tolerance time.Duration) *PlaidVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &PlaidVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

type plaidClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignPlaid builds a Plaid-Verification header value. Used by tests and the CLI.
func SignPlaid(secret string, body []byte, iat time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, plaidClaims{
		RequestBodySHA256: bodyDigest(body),
		RegisteredClaims:  jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(iat)},
	})
	return tok.SignedString([]byte(secret))
}

// Verify accepts the delivery when the token is signed with the shared
// secret, was issued within tolerance and covers exactly this body.
func (v *PlaidVerifier) Verify(body []byte, headers http.Header) error {
	reject := func(reason string) error {
		return &domain.SignatureVerificationError{Provider: domain.ProviderPlaid, Reason: reason}
	}
	if len(v.secret) == 0 {
		return reject("no signing secret configured")
	}
	raw := headers.Get(PlaidVerificationHeader)
	if raw == "" {
		return reject("missing " + PlaidVerificationHeader + " header")
	}

	var claims plaidClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.tolerance),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return reject("signature mismatch")
		}
		return reject("invalid token: " + err.Error())
	}
	if claims.IssuedAt == nil {
		return reject("missing iat")
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > v.tolerance {
		return reject("token outside tolerance")
	}
	if subtle.ConstantTimeCompare([]byte(claims.RequestBodySHA256), []byte(bodyDigest(body))) != 1 {
		return reject("body hash mismatch")
	}
	return nil
}
