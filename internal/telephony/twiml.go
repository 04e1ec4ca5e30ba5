package telephony

import (
	"sort"
	"strings"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// StreamTwiML renders the <Connect><Stream> document that points a call at the
// media-stream websocket. Parameters arrive back as start.customParameters.
func StreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inner := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}
	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: inner}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

// StreamURL turns the public http(s) base URL into the wss media-stream URL.
func StreamURL(publicBaseURL, host, path string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		return "wss://" + host + path
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// ValidateSignature reports whether signature is Twilio's X-Twilio-Signature
// for a webhook posted to url with params.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	validator := client.NewRequestValidator(authToken)
	return validator.Validate(url, params, signature)
}
