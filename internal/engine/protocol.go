// Package engine drives the ElevenLabs Conversational AI websocket for one call.
package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind classifies an inbound engine message.
type EventKind string

const (
	EventMetadata       EventKind = "conversation_initiation_metadata"
	EventAudio          EventKind = "audio"
	EventInterruption   EventKind = "interruption"
	EventPing           EventKind = "ping"
	EventAgentResponse  EventKind = "agent_response"
	EventUserTranscript EventKind = "user_transcript"
	EventUnknown        EventKind = "unknown"
)

// Event is an inbound message after dispatch. Audio holds the decoded chunk
// whichever envelope it arrived in.
type Event struct {
	Kind           EventKind
	Type           string
	Audio          []byte
	Text           string
	ConversationID string
	PingID         json.RawMessage
}

// ErrMalformedMessage wraps inbound frames that cannot be interpreted.
var ErrMalformedMessage = errors.New("malformed engine message")

type inboundMessage struct {
	Type  string `json:"type"`
	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio,omitempty"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"ping_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	InitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

// ParseMessage decodes one inbound text frame.
func ParseMessage(data []byte) (Event, error) {
	var m inboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	ev := Event{Kind: EventKind(m.Type), Type: m.Type}
	switch ev.Kind {
	case EventMetadata:
		if m.InitiationMetadataEvent != nil {
			ev.ConversationID = m.InitiationMetadataEvent.ConversationID
		}
	case EventAudio:
		audio, err := resolveAudio(m)
		if err != nil {
			return Event{}, err
		}
		ev.Audio = audio
	case EventInterruption:
	case EventPing:
		if m.PingEvent == nil || len(m.PingEvent.EventID) == 0 {
			return Event{}, fmt.Errorf("%w: ping without event_id", ErrMalformedMessage)
		}
		ev.PingID = m.PingEvent.EventID
	case EventAgentResponse:
		if m.AgentResponseEvent != nil {
			ev.Text = m.AgentResponseEvent.AgentResponse
		}
	case EventUserTranscript:
		if m.UserTranscriptionEvent != nil {
			ev.Text = m.UserTranscriptionEvent.UserTranscript
		}
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

func resolveAudio(m inboundMessage) ([]byte, error) {
	var payload string
	switch {
	case m.Audio != nil && m.Audio.Chunk != "":
		payload = m.Audio.Chunk
	case m.AudioEvent != nil && m.AudioEvent.AudioBase64 != "":
		payload = m.AudioEvent.AudioBase64
	default:
		return nil, fmt.Errorf("%w: audio without payload", ErrMalformedMessage)
	}
	audio, err := decodeBase64Any(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return audio, nil
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("invalid base64 audio")
}

// Conversation carries the per-call overrides sent in the initiation message.
type Conversation struct {
	Prompt       string
	FirstMessage string
	Variables    map[string]string
}

// Defaults are used when a call does not supply its own prompt or opening line.
type Defaults struct {
	Prompt       string
	FirstMessage string
}

const (
	ParamPrompt       = "prompt"
	ParamFirstMessage = "first_message"
)

// NewConversation builds the overrides for a call from its custom parameters.
// "prompt" and "first_message" override the defaults; every other parameter is
// passed through as a dynamic variable.
func NewConversation(params map[string]string, defaults Defaults) Conversation {
	conv := Conversation{
		Prompt:       defaults.Prompt,
		FirstMessage: defaults.FirstMessage,
		Variables:    map[string]string{},
	}
	for k, v := range params {
		switch k {
		case ParamPrompt:
			if strings.TrimSpace(v) != "" {
				conv.Prompt = v
			}
		case ParamFirstMessage:
			if strings.TrimSpace(v) != "" {
				conv.FirstMessage = v
			}
		default:
			conv.Variables[k] = v
		}
	}
	return conv
}

type initiationMessage struct {
	Type                       string            `json:"type"`
	ConversationConfigOverride configOverride    `json:"conversation_config_override"`
	DynamicVariables           map[string]string `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

func initiationFor(conv Conversation) initiationMessage {
	msg := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: conv.Variables,
	}
	if conv.Prompt != "" {
		msg.ConversationConfigOverride.Agent.Prompt = &promptOverride{Prompt: conv.Prompt}
	}
	msg.ConversationConfigOverride.Agent.FirstMessage = conv.FirstMessage
	if len(msg.DynamicVariables) == 0 {
		msg.DynamicVariables = nil
	}
	return msg
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
