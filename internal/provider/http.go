package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"voice-platform/internal/usage"
)

// maxErrorBody bounds how much of a vendor error body is read into messages.
const maxErrorBody = 4 << 10

// call is one outbound vendor request.
type call struct {
	vendor     string
	capability usage.Capability

	method      string
	url         string
	body        io.Reader
	contentType string
	header      http.Header
}

// send executes c and returns the response body of a 2xx answer.
// Every failure is mapped to *ProviderError.
func send(ctx context.Context, client *http.Client, c call) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, c.body)
	if err != nil {
		return nil, &ProviderError{Vendor: c.vendor, Capability: c.capability, Kind: KindTransport, Err: err}
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Vendor: c.vendor, Capability: c.capability, Kind: transportKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ProviderError{
			Vendor:     c.vendor,
			Capability: c.capability,
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Message:    vendorMessage(raw, resp.Status),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Vendor: c.vendor, Capability: c.capability, Kind: transportKind(ctx, err), Err: err}
	}
	return raw, nil
}

// sendJSON posts payload as JSON and decodes a JSON answer into out (when out is non-nil).
func sendJSON(ctx context.Context, client *http.Client, c call, payload, out any) ([]byte, error) {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", c.vendor, err)
		}
		c.body = bytes.NewReader(b)
		if c.contentType == "" {
			c.contentType = "application/json"
		}
	}
	raw, err := send(ctx, client, c)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &ProviderError{Vendor: c.vendor, Capability: c.capability, Kind: KindMalformed, Err: err}
		}
	}
	return raw, nil
}

func transportKind(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// vendorMessage pulls a human-readable message out of a vendor error body.
// Known shapes:
//
//	{"detail":{"message":"..."}}   elevenlabs
//	{"error":{"message":"..."}}    openai
//	{"err_msg":"..."}              deepgram
//	{"message":"..."}              twilio and generic
func vendorMessage(body []byte, fallback string) string {
	var probe struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
		ErrMsg string          `json:"err_msg"`
		Msg    string          `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if m := nestedMessage(probe.Detail); m != "" {
			return m
		}
		if m := nestedMessage(probe.Error); m != "" {
			return m
		}
		if probe.ErrMsg != "" {
			return probe.ErrMsg
		}
		if probe.Msg != "" {
			return probe.Msg
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}

// nestedMessage accepts either {"message":"..."} or a bare string.
func nestedMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func baseURL(creds Credentials, def string) string {
	if creds.BaseURL != "" {
		return strings.TrimRight(creds.BaseURL, "/")
	}
	return def
}
