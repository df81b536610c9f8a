package telephony

import (
	"bytes"
	"encoding/xml"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.

// Reply is what the agent says back on a live Twilio call.
type Reply struct {
	Text     string
	Voice    string // Twilio <Say> voice, e.g. Polly.Joanna
	Language string
	AudioURL string // when set, <Play> is used instead of <Say>
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderTwiML answers a Twilio callback. The reply, if any, is spoken first;
// then a terminal call is hung up and a live one listens for the next
// utterance, posting the result to gatherAction.
func RenderTwiML(out Outcome, gatherAction string) (string, error) {
	var r twimlResponse

	if rep := out.Reply; rep != nil {
		switch {
		case rep.AudioURL != "":
			r.Verbs = append(r.Verbs, twimlPlay{URL: rep.AudioURL})
		case rep.Text != "":
			r.Verbs = append(r.Verbs, twimlSay{Voice: rep.Voice, Language: rep.Language, Text: rep.Text})
		}
	}
	if out.Terminal {
		r.Verbs = append(r.Verbs, twimlHangup{})
		return encodeTwiML(r)
	}
	r.Verbs = append(r.Verbs, twimlGather{
		Input:         "speech",
		Action:        gatherAction,
		Method:        "POST",
		SpeechTimeout: "auto",
	})
	return encodeTwiML(r)
}

func encodeTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
