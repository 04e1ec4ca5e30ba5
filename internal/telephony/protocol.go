// Package telephony speaks the Twilio Media Streams protocol over one websocket per call.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind classifies an inbound media-stream frame.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventMedia   EventKind = "media"
	EventStop    EventKind = "stop"
	EventUnknown EventKind = "unknown"
)

// Event is a parsed inbound frame.
type Event struct {
	Kind             EventKind
	Name             string // raw event name, kept for unknown events
	StreamID         string
	CallID           string
	CustomParameters map[string]string
	Audio            []byte // decoded media payload
}

var (
	ErrMalformedFrame = errors.New("malformed media stream frame")
	ErrMissingCallID  = errors.New("start frame without callSid")
)

type inboundFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// ParseFrame decodes one inbound text frame.
func ParseFrame(data []byte) (Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Event {
	case "start":
		if f.Start == nil {
			return Event{}, fmt.Errorf("%w: start without start block", ErrMalformedFrame)
		}
		ev := Event{
			Kind:             EventStart,
			Name:             f.Event,
			StreamID:         f.Start.StreamSid,
			CallID:           strings.TrimSpace(f.Start.CallSid),
			CustomParameters: f.Start.CustomParameters,
		}
		if ev.StreamID == "" {
			ev.StreamID = f.StreamSid
		}
		if ev.CallID == "" {
			return Event{}, ErrMissingCallID
		}
		if ev.CustomParameters == nil {
			ev.CustomParameters = map[string]string{}
		}
		return ev, nil
	case "media":
		if f.Media == nil {
			return Event{}, fmt.Errorf("%w: media without media block", ErrMalformedFrame)
		}
		audio, err := DecodePayload(f.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Event{Kind: EventMedia, Name: f.Event, StreamID: f.StreamSid, Audio: audio}, nil
	case "stop":
		return Event{Kind: EventStop, Name: f.Event, StreamID: f.StreamSid}, nil
	default:
		return Event{Kind: EventUnknown, Name: f.Event, StreamID: f.StreamSid}, nil
	}
}

// DecodePayload accepts padded or unpadded standard base64.
func DecodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return out, nil
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func mediaFrame(streamID string, audio []byte) outboundMedia {
	m := outboundMedia{Event: "media", StreamSid: streamID}
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return m
}

func clearFrame(streamID string) outboundClear {
	return outboundClear{Event: "clear", StreamSid: streamID}
}
