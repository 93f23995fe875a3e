// Package auth implements deterministic, replay-resistant request signing.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/marketmirror/errs"
)

// Credential holds the API key pair for one venue account. Immutable for the
// process lifetime.
type Credential struct {
	Key    string
	Secret []byte
}

// valid reports whether the credential can produce signatures.
func (c Credential) valid() bool {
	return c.Key != "" && len(c.Secret) > 0
}

// Millisecond nonces outside this window indicate a time source scaled by the
// wrong power of ten (seconds or nanoseconds fed where milliseconds belong).
const (
	minMillisNonce = int64(1e12)
	maxMillisNonce = int64(1e14)
)

const loginNonceLength = 14

const loginNonceCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CanonicalFunc builds the byte string to be signed for one request shape.
// Which fields concatenate in which order is a transport concern, so the
// strategy is injected rather than hardcoded.
type CanonicalFunc func(key, target string, body []byte, nonce int64) ([]byte, error)

// CanonicalGET concatenates key, target (including any sorted query string),
// and nonce. The body is ignored.
func CanonicalGET(key, target string, _ []byte, nonce int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(key)
	buf.WriteString(target)
	buf.WriteString(strconv.FormatInt(nonce, 10))
	return buf.Bytes(), nil
}

// CanonicalPOST concatenates key, target, the body in byte-stable minimal JSON
// form, and nonce.
func CanonicalPOST(key, target string, body []byte, nonce int64) ([]byte, error) {
	compacted, err := compactJSON(body)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(key)
	buf.WriteString(target)
	buf.Write(compacted)
	buf.WriteString(strconv.FormatInt(nonce, 10))
	return buf.Bytes(), nil
}

func compactJSON(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, errs.New("auth", errs.CodeInvalid,
			errs.WithMessage("request body is not valid JSON"), errs.WithCause(err))
	}
	return buf.Bytes(), nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature for the canonical
// message. Pure and deterministic; no I/O.
func Sign(cred Credential, canonical []byte) string {
	mac := hmac.New(sha256.New, cred.Secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedRequest carries everything the transport needs to authenticate one
// outbound request.
type SignedRequest struct {
	Key       string
	Nonce     int64
	Signature string
	Canonical []byte
}

// LoginMessage is the stream authentication handshake payload. The nonce here
// is an opaque protocol token, not a replay counter.
type LoginMessage struct {
	Key       string
	Nonce     string
	Signature string
}

// Signer produces signatures and strictly increasing nonces for one
// credential. Each credential gets its own Signer; there is no process-wide
// nonce state.
type Signer struct {
	cred Credential
	now  func() time.Time

	mu        sync.Mutex
	lastNonce int64
}

// NewSigner constructs a signer for the credential. A nil clock uses time.Now.
func NewSigner(cred Credential, now func() time.Time) (*Signer, error) {
	if !cred.valid() {
		return nil, errs.New("auth", errs.CodeAuthUnavailable, errs.WithMessage("credential missing key or secret"))
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{cred: cred, now: now}, nil
}

// Key returns the credential's public identity.
func (s *Signer) Key() string {
	return s.cred.Key
}

// Nonce returns the next strictly increasing millisecond nonce. It fails with
// auth_unavailable rather than emitting a value outside the millisecond range,
// since a wrongly scaled nonce produces signatures that are valid-shaped but
// rejected opaquely by the venue.
func (s *Signer) Nonce() (int64, error) {
	t := s.now()
	if t.IsZero() {
		return 0, errs.New("auth", errs.CodeAuthUnavailable, errs.WithMessage("time source unavailable"))
	}
	nonce := t.UnixMilli()
	if nonce < minMillisNonce || nonce > maxMillisNonce {
		return 0, errs.New("auth", errs.CodeAuthUnavailable,
			errs.WithMessage("nonce "+strconv.FormatInt(nonce, 10)+" outside millisecond range; check time source units"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	return nonce, nil
}

// SignRequest produces a signed request for the target using the supplied
// canonicalization strategy. Synchronous and non-blocking.
func (s *Signer) SignRequest(canon CanonicalFunc, target string, body []byte) (SignedRequest, error) {
	if canon == nil {
		return SignedRequest{}, errs.New("auth", errs.CodeInvalid, errs.WithMessage("canonicalizer required"))
	}
	nonce, err := s.Nonce()
	if err != nil {
		return SignedRequest{}, err
	}
	canonical, err := canon(s.cred.Key, target, body, nonce)
	if err != nil {
		return SignedRequest{}, err
	}
	return SignedRequest{
		Key:       s.cred.Key,
		Nonce:     nonce,
		Signature: Sign(s.cred, canonical),
		Canonical: canonical,
	}, nil
}

// Login produces the stream authentication message: a fixed-length random
// alphanumeric token signed with the credential secret.
func (s *Signer) Login() (LoginMessage, error) {
	token, err := randomToken(loginNonceLength)
	if err != nil {
		return LoginMessage{}, errs.New("auth", errs.CodeAuthUnavailable,
			errs.WithMessage("entropy source unavailable"), errs.WithCause(err))
	}
	return LoginMessage{
		Key:       s.cred.Key,
		Nonce:     token,
		Signature: Sign(s.cred, []byte(token)),
	}, nil
}

func randomToken(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range raw {
		out[i] = loginNonceCharset[int(b)%len(loginNonceCharset)]
	}
	return string(out), nil
}
