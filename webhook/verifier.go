package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stripe signs webhooks with an HMAC-SHA256 over "<timestamp>.<raw body>" and
// sends the result in the Stripe-Signature header:
//
//	t=1699000000,v1=5257a86...,v1=ab12cd...
//
// Multiple v1 values appear while the signing secret is being rotated, so the
// verifier accepts a list of secrets and matches any pair.

// DefaultTolerance bounds how far a webhook timestamp may drift from the
// server clock before the payload is treated as a replay.
const DefaultTolerance = 5 * time.Minute

const signingVersion = "v1"

// Verification failure reasons.
var (
	ErrMalformedHeader     = errors.New("malformed signature header")
	ErrMalformedPayload    = errors.New("malformed event payload")
	ErrNoMatchingSignature = errors.New("no matching signature")
	ErrTimestampOutOfRange = errors.New("timestamp outside tolerance window")
)

// VerificationError wraps a terminal signature-check failure. These are never
// retried; the provider gets a 4xx and gives up.
type VerificationError struct {
	Reason error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook verification failed: %v", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Reason }

// Envelope is the verified, parsed webhook event. An Envelope exists only if
// the signature matched and the payload timestamp was inside the tolerance
// window.
type Envelope struct {
	EventID    string
	EventType  string
	Object     json.RawMessage // provider object payload, opaque here
	VerifiedAt time.Time
}

// IsCheckoutCompleted reports whether the envelope carries the one event type
// that produces a fulfillment event. Every other type is an acknowledged
// no-op.
func (e *Envelope) IsCheckoutCompleted() bool {
	return e.EventType == "checkout.session.completed"
}

// Verifier checks webhook signatures against one or more signing secrets.
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. Secrets are tried in order; tolerance <= 0
// falls back to DefaultTolerance.
func NewVerifier(secrets []string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	bs := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			bs = append(bs, []byte(s))
		}
	}
	return &Verifier{secrets: bs, tolerance: tolerance, now: time.Now}
}

// WithClock overrides the time source, used by tests to pin "now".
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the signature header against the exact raw body bytes and
// returns the parsed event envelope. The body must be the unmodified request
// body: re-serializing a parsed payload invalidates the signature.
func (v *Verifier) Verify(body []byte, sigHeader string) (*Envelope, error) {
	ts, sigs, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, &VerificationError{Reason: err}
	}

	now := v.now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return nil, &VerificationError{Reason: ErrTimestampOutOfRange}
	}

	if !v.anySignatureMatches(ts, body, sigs) {
		return nil, &VerificationError{Reason: ErrNoMatchingSignature}
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil || event.Type == "" {
		return nil, &VerificationError{Reason: ErrMalformedPayload}
	}

	return &Envelope{
		EventID:    event.ID,
		EventType:  event.Type,
		Object:     event.Data.Object,
		VerifiedAt: now,
	}, nil
}

func (v *Verifier) anySignatureMatches(ts int64, body []byte, sigs [][]byte) bool {
	for _, secret := range v.secrets {
		expected := ComputeSignature(secret, ts, body)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return true
			}
		}
	}
	return false
}

// ComputeSignature returns the HMAC-SHA256 of "<ts>.<body>" under secret.
// Exported so tests and local tooling can produce valid headers.
func ComputeSignature(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader renders a valid Stripe-Signature header value for the given
// secret, timestamp and body.
func SignatureHeader(secret string, ts int64, body []byte) string {
	sig := ComputeSignature([]byte(secret), ts, body)
	return fmt.Sprintf("t=%d,%s=%s", ts, signingVersion, hex.EncodeToString(sig))
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, ErrMalformedHeader
	}

	var (
		ts   int64
		seen bool
		sigs [][]byte
	)
	for _, pair := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return 0, nil, ErrMalformedHeader
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedHeader
			}
			ts = parsed
			seen = true
		case signingVersion:
			sig, err := hex.DecodeString(val)
			if err != nil {
				return 0, nil, ErrMalformedHeader
			}
			sigs = append(sigs, sig)
		default:
			// Unknown schemes (v0 etc.) are ignored, per provider docs.
		}
	}

	if !seen || len(sigs) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return ts, sigs, nil
}
