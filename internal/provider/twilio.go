package provider

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"voice-platform/internal/pricing"
	"voice-platform/internal/usage"
)

const (
	VendorTwilio = "twilio"

	twilioDefaultVoice = "Polly.Joanna"
	twilioMaxChars     = 4096

	// Twilio <Say> speaks about 14 characters per second at the default rate.
	twilioCharsPerSecond = 14.0
)

// twilioVoices is the <Say> voice catalog: basic voices, Amazon Polly and Google.
var twilioVoices = []Voice{
	{ID: "alice", Name: "Alice", Language: "en-US", Gender: "female", Description: "Twilio basic voice"},
	{ID: "man", Name: "Man", Language: "en-US", Gender: "male", Description: "Twilio basic voice"},
	{ID: "woman", Name: "Woman", Language: "en-US", Gender: "female", Description: "Twilio basic voice"},

	{ID: "Polly.Joanna", Name: "Joanna", Language: "en-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Matthew", Name: "Matthew", Language: "en-US", Gender: "male", Description: "Amazon Polly"},
	{ID: "Polly.Amy", Name: "Amy", Language: "en-GB", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Brian", Name: "Brian", Language: "en-GB", Gender: "male", Description: "Amazon Polly"},
	{ID: "Polly.Ivy", Name: "Ivy", Language: "en-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Kendra", Name: "Kendra", Language: "en-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Kimberly", Name: "Kimberly", Language: "en-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Salli", Name: "Salli", Language: "en-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Joey", Name: "Joey", Language: "en-US", Gender: "male", Description: "Amazon Polly"},
	{ID: "Polly.Justin", Name: "Justin", Language: "en-US", Gender: "male", Description: "Amazon Polly"},

	{ID: "Google.en-US-Standard-A", Name: "Standard A", Language: "en-US", Gender: "male", Description: "Google"},
	{ID: "Google.en-US-Standard-B", Name: "Standard B", Language: "en-US", Gender: "male", Description: "Google"},
	{ID: "Google.en-US-Standard-C", Name: "Standard C", Language: "en-US", Gender: "female", Description: "Google"},
	{ID: "Google.en-US-Standard-D", Name: "Standard D", Language: "en-US", Gender: "male", Description: "Google"},
	{ID: "Google.en-US-Wavenet-A", Name: "Wavenet A", Language: "en-US", Gender: "male", Description: "Google"},
	{ID: "Google.en-US-Wavenet-B", Name: "Wavenet B", Language: "en-US", Gender: "male", Description: "Google"},

	{ID: "Polly.Penelope", Name: "Penelope", Language: "es-US", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Miguel", Name: "Miguel", Language: "es-US", Gender: "male", Description: "Amazon Polly"},
	{ID: "Polly.Celine", Name: "Celine", Language: "fr-FR", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Mathieu", Name: "Mathieu", Language: "fr-FR", Gender: "male", Description: "Amazon Polly"},
	{ID: "Polly.Marlene", Name: "Marlene", Language: "de-DE", Gender: "female", Description: "Amazon Polly"},
	{ID: "Polly.Hans", Name: "Hans", Language: "de-DE", Gender: "male", Description: "Amazon Polly"},
}

// TwilioSay "synthesizes" by rendering a TwiML <Say> document that Twilio
// speaks on the live call. No audio bytes are produced and no network call is
// made; the audio is generated by Twilio when the TwiML is executed.
type TwilioSay struct {
	rates *pricing.Table
	voice string
}

// NewTwilioSay builds the adapter. Recognised options: voice_id.
func NewTwilioSay(opts map[string]string, rates *pricing.Table) *TwilioSay {
	t := &TwilioSay{rates: rates, voice: twilioDefaultVoice}
	if v := opts["voice_id"]; v != "" {
		t.voice = v
	}
	return t
}

func (t *TwilioSay) Vendor() string     { return VendorTwilio }
func (t *TwilioSay) MaxTextLength() int { return twilioMaxChars }

type sayResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     sayVerb  `xml:"Say"`
}

type sayVerb struct {
	Voice    string      `xml:"voice,attr,omitempty"`
	Language string      `xml:"language,attr,omitempty"`
	Text     string      `xml:",chardata"`
	Prosody  *sayProsody `xml:"prosody,omitempty"`
}

type sayProsody struct {
	Rate string `xml:"rate,attr"`
	Text string `xml:",chardata"`
}

func (t *TwilioSay) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	if err := checkText(VendorTwilio, req.Text, twilioMaxChars); err != nil {
		return SynthesisResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SynthesisResult{}, &ProviderError{Vendor: VendorTwilio, Capability: usage.CapabilityTTS, Kind: transportKind(ctx, err), Err: err}
	}

	voice := req.VoiceID
	if voice == "" {
		voice = t.voice
	}
	rate := clampRate(req.SpeakingRate, 0.2, 2.0)

	verb := sayVerb{Voice: voice, Language: req.Language}
	// SSML prosody is honoured by Polly and Google voices only.
	if rate != 1.0 && (strings.HasPrefix(voice, "Polly.") || strings.HasPrefix(voice, "Google.")) {
		verb.Prosody = &sayProsody{Rate: fmt.Sprintf("%d%%", int(rate*100+0.5)), Text: req.Text}
	} else {
		verb.Text = req.Text
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(sayResponse{Say: verb}); err != nil {
		return SynthesisResult{}, fmt.Errorf("%s: render twiml: %w", VendorTwilio, err)
	}

	chars := int64(len([]rune(req.Text)))
	secs := float64(chars) / twilioCharsPerSecond / rate
	return SynthesisResult{
		Audio:       buf.Bytes(),
		ContentType: "application/xml",
		Duration:    seconds(secs),
		Characters:  chars,
	}, nil
}

func (t *TwilioSay) ListVoices(context.Context) ([]Voice, error) {
	out := make([]Voice, len(twilioVoices))
	for i, v := range twilioVoices {
		v.Vendor = VendorTwilio
		out[i] = v
	}
	return out, nil
}

func (t *TwilioSay) EstimateCost(characters int64) (pricing.Estimate, error) {
	return t.rates.Estimate(VendorTwilio, usage.CapabilityTTS, characters)
}
