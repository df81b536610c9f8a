// Package signature authenticates webhook callbacks from telephony and voice
// providers. Each provider signs differently; the scheme is chosen by provider id.
//
// IMPORTANT: every secret or digest comparison is constant-time.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuthenticationFailed = errors.New("webhook authentication failed")
	ErrUnknownScheme        = errors.New("unknown signature scheme")
)

const (
	ProviderTwilio     = "twilio"
	ProviderElevenLabs = "elevenlabs"
	ProviderVapi       = "vapi"

	HeaderTwilio     = "X-Twilio-Signature"
	HeaderElevenLabs = "ElevenLabs-Signature"
	HeaderVapi       = "X-Vapi-Secret"

	// DefaultTolerance bounds how far a signed timestamp may drift from now, either way.
	DefaultTolerance = 30 * time.Minute
)

// Request is the raw material a scheme needs. Body must be the exact bytes
// received; URL must be the full public URL the provider called.
type Request struct {
	Provider string
	Header   http.Header
	Body     []byte
	URL      string
	Form     url.Values
}

// Verifier checks signed requests. The zero value uses DefaultTolerance and time.Now.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Verifier) tolerance() time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return DefaultTolerance
}

// Supports reports whether provider has a known signing scheme.
func Supports(provider string) bool {
	switch provider {
	case ProviderTwilio, ProviderElevenLabs, ProviderVapi:
		return true
	}
	return false
}

// Verify returns nil when req carries a valid signature for secret.
func (v Verifier) Verify(req Request, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: no signing secret", ErrAuthenticationFailed)
	}
	switch req.Provider {
	case ProviderTwilio:
		return verifyTwilio(req, secret)
	case ProviderElevenLabs:
		return v.verifyElevenLabs(req, secret)
	case ProviderVapi:
		return verifyVapi(req, secret)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScheme, req.Provider)
	}
}

// verifyTwilio: base64(HMAC-SHA1(authToken, url + each form key+value sorted by key)).
func verifyTwilio(req Request, secret string) error {
	got := req.Header.Get(HeaderTwilio)
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrAuthenticationFailed, HeaderTwilio)
	}
	want := TwilioSignature(secret, req.URL, req.Form)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthenticationFailed)
	}
	return nil
}

// TwilioSignature computes the X-Twilio-Signature value.
func TwilioSignature(secret, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), form[k]...)
		sort.Strings(vals)
		for _, val := range vals {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifyElevenLabs: header "t=<unix>,v0=<hex HMAC-SHA256(secret, "<t>.<body>")>".
func (v Verifier) verifyElevenLabs(req Request, secret string) error {
	raw := req.Header.Get(HeaderElevenLabs)
	if raw == "" {
		return fmt.Errorf("%w: missing %s", ErrAuthenticationFailed, HeaderElevenLabs)
	}
	var ts, digest string
	for _, part := range strings.Split(raw, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v0":
			digest = val
		}
	}
	if ts == "" || digest == "" {
		return fmt.Errorf("%w: malformed %s", ErrAuthenticationFailed, HeaderElevenLabs)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrAuthenticationFailed)
	}

	// The window is checked even when the digest is valid: a captured request
	// must not be replayable later.
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance() {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrAuthenticationFailed)
	}

	want := ElevenLabsDigest(secret, ts, req.Body)
	if !hmac.Equal([]byte(digest), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthenticationFailed)
	}
	return nil
}

// ElevenLabsDigest computes the v0 digest for timestamp ts and body.
func ElevenLabsDigest(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ElevenLabsHeader builds a header value for body signed at ts.
func ElevenLabsHeader(secret string, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v0=" + ElevenLabsDigest(secret, t, body)
}

// verifyVapi: the server URL secret is echoed verbatim in X-Vapi-Secret.
func verifyVapi(req Request, secret string) error {
	got := req.Header.Get(HeaderVapi)
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrAuthenticationFailed, HeaderVapi)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return fmt.Errorf("%w: secret mismatch", ErrAuthenticationFailed)
	}
	return nil
}
