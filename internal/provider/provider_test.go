package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"voice-platform/internal/pricing"
)

func TestElevenLabs_Synthesize(t *testing.T) {
	var gotKey, gotPath, gotFormat string
	var gotBody elevenLabsSpeechRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(make([]byte, elevenLabsBytesPerSecond*2))
	}))
	defer srv.Close()

	e := NewElevenLabs(srv.Client(), Credentials{APIKey: "k1", BaseURL: srv.URL}, nil, pricing.DefaultTable())
	res, err := e.Synthesize(context.Background(), SynthesisRequest{Text: "hello", SpeakingRate: 3})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if gotKey != "k1" || gotPath != "/v1/text-to-speech/"+elevenLabsDefaultVoice || gotFormat != elevenLabsFormat {
		t.Fatalf("unexpected request: key=%q path=%q format=%q", gotKey, gotPath, gotFormat)
	}
	if gotBody.ModelID != elevenLabsModel || gotBody.VoiceSettings.Speed != 1.2 {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if res.Characters != 5 || res.Duration != 2*time.Second || res.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestElevenLabs_PayloadTooLargeMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	e := NewElevenLabs(srv.Client(), Credentials{BaseURL: srv.URL}, nil, pricing.DefaultTable())
	_, err := e.Synthesize(context.Background(), SynthesisRequest{Text: strings.Repeat("a", elevenLabsMaxChars+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	var ptl *PayloadTooLargeError
	if !errors.As(err, &ptl) || ptl.Limit != elevenLabsMaxChars || ptl.Size != elevenLabsMaxChars+1 {
		t.Fatalf("unexpected payload error: %+v", ptl)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("vendor must not be called for oversized input")
	}
}

func TestCheckText_CountsRunes(t *testing.T) {
	// 4 runes, 12 bytes.
	if err := checkText("x", "日本語!", 4); err != nil {
		t.Fatalf("expected rune-based limit to pass, got %v", err)
	}
	if err := checkText("x", "", 4); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSend_MapsVendorErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"elevenlabs", 401, `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`, "Invalid API key"},
		{"openai", 429, `{"error":{"message":"Rate limit reached","type":"requests"}}`, "Rate limit reached"},
		{"deepgram", 400, `{"err_code":"Bad Request","err_msg":"corrupt audio"}`, "corrupt audio"},
		{"plain", 503, `upstream unavailable`, "upstream unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := send(context.Background(), srv.Client(), call{vendor: tc.name, method: http.MethodGet, url: srv.URL})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T %v", err, err)
			}
			if pe.Kind != KindHTTP || pe.StatusCode != tc.status || pe.Message != tc.message {
				t.Fatalf("unexpected error: %+v", pe)
			}
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := send(ctx, srv.Client(), call{vendor: "slow", method: http.MethodGet, url: srv.URL})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindTimeout {
		t.Fatalf("expected timeout ProviderError, got %v", err)
	}
}

func TestOpenAISpeech_MalformedIsEmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOpenAISpeech(srv.Client(), Credentials{APIKey: "sk", BaseURL: srv.URL}, nil, pricing.DefaultTable())
	_, err := o.Synthesize(context.Background(), SynthesisRequest{Text: "hi"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindMalformed {
		t.Fatalf("expected malformed ProviderError, got %v", err)
	}
}

func TestOpenAIWhisper_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != openAISTTModel || r.FormValue("response_format") != "verbose_json" || r.FormValue("language") != "en" {
			t.Errorf("unexpected form: %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			if string(b) != "RIFF" {
				t.Errorf("unexpected audio %q", b)
			}
		}
		_, _ = io.WriteString(w, `{"text":" hello there ","language":"english","duration":2.4,
			"segments":[{"start":0,"end":1.2,"text":" hello"},{"start":1.2,"end":2.4,"text":" there"}]}`)
	}))
	defer srv.Close()

	w := NewOpenAIWhisper(srv.Client(), Credentials{APIKey: "sk", BaseURL: srv.URL}, nil, pricing.DefaultTable())
	res, err := w.Transcribe(context.Background(), TranscriptionRequest{Audio: []byte("RIFF"), ContentType: "audio/wav", LanguageHint: "en"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Text != "hello there" || res.AudioDuration != 2400*time.Millisecond || len(res.Segments) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Segments[1].Speaker != "" {
		t.Fatalf("whisper segments carry no speaker")
	}
}

func TestDeepgram_TranscribeWithDiarization(t *testing.T) {
	var q map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q = r.URL.Query()
		if r.Header.Get("Authorization") != "Token dg" || r.Header.Get("Content-Type") != "audio/wav" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"metadata":{"duration":3.5},
			"results":{"channels":[{"detected_language":"en","alternatives":[{"transcript":"hi. hello."}]}],
			"utterances":[{"start":0,"end":1,"transcript":"hi.","speaker":0},{"start":1.5,"end":3.5,"transcript":"hello.","speaker":1}]}}`)
	}))
	defer srv.Close()

	d := NewDeepgram(srv.Client(), Credentials{APIKey: "dg", BaseURL: srv.URL}, nil, pricing.DefaultTable())
	res, err := d.Transcribe(context.Background(), TranscriptionRequest{Audio: []byte{1, 2}, ContentType: "audio/wav", Diarize: true})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if q["diarize"][0] != "true" || q["utterances"][0] != "true" || q["model"][0] != deepgramModel {
		t.Fatalf("unexpected query: %v", q)
	}
	if res.Text != "hi. hello." || res.Language != "en" || res.AudioDuration != 3500*time.Millisecond {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Segments) != 2 || res.Segments[0].Speaker != "speaker_0" || res.Segments[1].Speaker != "speaker_1" {
		t.Fatalf("unexpected segments: %+v", res.Segments)
	}
}

func TestDeepgram_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	}))
	defer srv.Close()

	d := NewDeepgram(srv.Client(), Credentials{APIKey: "dg", BaseURL: srv.URL}, nil, pricing.DefaultTable())
	_, err := d.Transcribe(context.Background(), TranscriptionRequest{Audio: []byte{1}})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindMalformed {
		t.Fatalf("expected malformed ProviderError, got %v", err)
	}
}

func TestTwilioSay_RendersTwiML(t *testing.T) {
	s := NewTwilioSay(nil, pricing.DefaultTable())
	res, err := s.Synthesize(context.Background(), SynthesisRequest{Text: "Tom & Jerry", SpeakingRate: 1.5})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	doc := string(res.Audio)
	if !strings.Contains(doc, `<Say voice="Polly.Joanna">`) || !strings.Contains(doc, `<prosody rate="150%">Tom &amp; Jerry</prosody>`) {
		t.Fatalf("unexpected twiml: %s", doc)
	}
	if res.ContentType != "application/xml" || res.Characters != 11 {
		t.Fatalf("unexpected result: %+v", res)
	}

	basic, _ := s.Synthesize(context.Background(), SynthesisRequest{Text: "hi", VoiceID: "alice", SpeakingRate: 1.5})
	if strings.Contains(string(basic.Audio), "prosody") {
		t.Fatalf("basic voices ignore prosody: %s", basic.Audio)
	}
}

func TestTwilioSay_ListVoices(t *testing.T) {
	voices, err := NewTwilioSay(nil, pricing.DefaultTable()).ListVoices(context.Background())
	if err != nil || len(voices) != len(twilioVoices) {
		t.Fatalf("unexpected voices: %d %v", len(voices), err)
	}
	for _, v := range voices {
		if v.Vendor != VendorTwilio {
			t.Fatalf("voice %s missing vendor", v.ID)
		}
	}
}

func TestRegistry_OrdersByPriorityAndResolvesCredentials(t *testing.T) {
	r := NewRegistry(http.DefaultClient, pricing.DefaultTable())
	creds := map[string]Credentials{"el": {APIKey: "x"}}
	lookup := func(ref string) (Credentials, bool) { c, ok := creds[ref]; return c, ok }

	got, err := r.Synthesizers([]Binding{
		{Vendor: VendorElevenLabs, CredentialsRef: "el", Priority: 2},
		{Vendor: VendorTwilio, Priority: 1},
	}, lookup)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 2 || got[0].Vendor() != VendorTwilio || got[1].Vendor() != VendorElevenLabs {
		t.Fatalf("unexpected order")
	}

	if _, err := r.Synthesizers([]Binding{{Vendor: VendorDeepgram, CredentialsRef: "el"}}, lookup); !errors.Is(err, ErrUnknownVendor) {
		t.Fatalf("deepgram has no tts adapter, got %v", err)
	}
	if _, err := r.Transcribers([]Binding{{Vendor: VendorDeepgram, CredentialsRef: "missing"}}, lookup); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

type countingSynth struct {
	TwilioSay
	calls int32
}

func (c *countingSynth) ListVoices(ctx context.Context) ([]Voice, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.TwilioSay.ListVoices(ctx)
}

func TestCatalog_CachesUntilTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewCatalog(time.Minute)
	c.clock = func() time.Time { return now }
	s := &countingSynth{TwilioSay: *NewTwilioSay(nil, pricing.DefaultTable())}

	for i := 0; i < 3; i++ {
		if _, err := c.Voices(context.Background(), "t1/twilio", s); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if s.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", s.calls)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.Voices(context.Background(), "t1/twilio", s)
	if s.calls != 2 {
		t.Fatalf("expected reload after ttl, got %d", s.calls)
	}
}

type gatedSynth struct {
	TwilioSay
	started chan struct{}
	release chan struct{}
	loadErr chan error
	calls   int32
}

func (g *gatedSynth) ListVoices(ctx context.Context) ([]Voice, error) {
	atomic.AddInt32(&g.calls, 1)
	close(g.started)
	<-g.release
	g.loadErr <- ctx.Err()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return []Voice{{ID: "alice", Vendor: VendorTwilio, Name: "Alice"}}, nil
}

func TestCatalog_CancelledCallerDoesNotAbortSharedLoad(t *testing.T) {
	c := NewCatalog(time.Minute)
	s := &gatedSynth{
		TwilioSay: *NewTwilioSay(nil, pricing.DefaultTable()),
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		loadErr:   make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Voices(ctx, "t1/twilio", s)
		first <- err
	}()
	<-s.started
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to get context.Canceled, got %v", err)
	}

	close(s.release)
	voices, err := c.Voices(context.Background(), "t1/twilio", s)
	if err != nil || len(voices) != 1 || voices[0].ID != "alice" {
		t.Fatalf("expected cached voices, got %v err=%v", voices, err)
	}
	if err := <-s.loadErr; err != nil {
		t.Fatalf("shared load saw cancelled context: %v", err)
	}
	if n := atomic.LoadInt32(&s.calls); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
}
