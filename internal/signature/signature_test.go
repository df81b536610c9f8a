package signature

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func TestTwilio_KnownVector(t *testing.T) {
	// Example from Twilio's security documentation.
	secret := "12345"
	u := "https://mycompany.com/myapp.php?foo=1&bar=2"
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	want := "0/KCTR6DLpKmkAf8muzZqo1nDgQ="
	if got := TwilioSignature(secret, u, form); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	req := Request{Provider: ProviderTwilio, URL: u, Form: form, Header: http.Header{}}
	req.Header.Set(HeaderTwilio, want)
	if err := (Verifier{}).Verify(req, secret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestTwilio_TamperedFormRejected(t *testing.T) {
	secret := "tok"
	u := "https://voice.example.com/webhooks/twilio/t1"
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}
	sig := TwilioSignature(secret, u, form)

	form.Set("CallStatus", "completed")
	req := Request{Provider: ProviderTwilio, URL: u, Form: form, Header: hdr(HeaderTwilio, sig)}
	if err := (Verifier{}).Verify(req, secret); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestElevenLabs_ValidWithinWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"type":"post_call_transcription"}`)
	v := Verifier{Now: func() time.Time { return now }}

	for _, skew := range []time.Duration{0, 29 * time.Minute, -29 * time.Minute} {
		req := Request{Provider: ProviderElevenLabs, Body: body, Header: http.Header{}}
		req.Header.Set(HeaderElevenLabs, ElevenLabsHeader("whsec", now.Add(skew), body))
		if err := v.Verify(req, "whsec"); err != nil {
			t.Fatalf("skew %s: expected valid, got %v", skew, err)
		}
	}
}

func TestElevenLabs_ValidDigestButStaleTimestampRejected(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"type":"post_call_transcription"}`)
	v := Verifier{Now: func() time.Time { return now }}

	for _, skew := range []time.Duration{-31 * time.Minute, 31 * time.Minute} {
		req := Request{Provider: ProviderElevenLabs, Body: body, Header: http.Header{}}
		req.Header.Set(HeaderElevenLabs, ElevenLabsHeader("whsec", now.Add(skew), body))
		if err := v.Verify(req, "whsec"); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("skew %s: expected rejection, got %v", skew, err)
		}
	}
}

func TestElevenLabs_RejectsModifiedBodyAndMalformedHeader(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	v := Verifier{Now: func() time.Time { return now }}
	header := ElevenLabsHeader("whsec", now, []byte(`{"a":1}`))

	cases := map[string]Request{
		"modified body": {Provider: ProviderElevenLabs, Body: []byte(`{"a":2}`), Header: hdr(HeaderElevenLabs, header)},
		"missing":       {Provider: ProviderElevenLabs, Body: []byte(`{}`), Header: http.Header{}},
		"no digest":     {Provider: ProviderElevenLabs, Body: []byte(`{}`), Header: hdr(HeaderElevenLabs, "t="+strconv.FormatInt(now.Unix(), 10))},
		"bad ts":        {Provider: ProviderElevenLabs, Body: []byte(`{}`), Header: hdr(HeaderElevenLabs, "t=abc,v0=00")},
	}
	for name, req := range cases {
		if err := v.Verify(req, "whsec"); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("%s: expected ErrAuthenticationFailed, got %v", name, err)
		}
	}
}

func TestVapi_SharedSecret(t *testing.T) {
	req := Request{Provider: ProviderVapi, Header: hdr(HeaderVapi, "s3cret")}
	if err := (Verifier{}).Verify(req, "s3cret"); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	req.Header.Set(HeaderVapi, "s3cre")
	if err := (Verifier{}).Verify(req, "s3cret"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestVerify_UnknownSchemeAndEmptySecret(t *testing.T) {
	if err := (Verifier{}).Verify(Request{Provider: "plivo", Header: http.Header{}}, "x"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
	if err := (Verifier{}).Verify(Request{Provider: ProviderVapi, Header: hdr(HeaderVapi, "")}, ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("empty secret must never authenticate, got %v", err)
	}
}

func hdr(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}
