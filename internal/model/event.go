package model

import (
	"encoding/base64"
	"net/http"
	"strings"
	"unicode/utf8"
)

// EventType discriminates relay events. The values double as the
// event_type field of the WebSocket wire format.
type EventType string

const (
	EventHeaders EventType = "response_headers"
	EventChunk   EventType = "chunk"
	EventClose   EventType = "stream_close"
	EventError   EventType = "error"
)

// Terminal reports whether no further event may follow t for the same request.
func (t EventType) Terminal() bool {
	return t == EventClose || t == EventError
}

// Event is one unit of a relayed upstream response.
// Status and Header are set for EventHeaders, Data for EventChunk,
// Status and Message for EventError.
type Event struct {
	RequestID string
	Type      EventType
	Status    int
	Header    http.Header
	Data      []byte
	Message   string
}

// HeadersEvent builds the event announcing the upstream response head.
func HeadersEvent(requestID string, status int, header http.Header) Event {
	return Event{RequestID: requestID, Type: EventHeaders, Status: status, Header: header}
}

// ChunkEvent builds a body chunk event. data must not be reused by the caller.
func ChunkEvent(requestID string, data []byte) Event {
	return Event{RequestID: requestID, Type: EventChunk, Data: data}
}

// CloseEvent builds the successful terminal event.
func CloseEvent(requestID string) Event {
	return Event{RequestID: requestID, Type: EventClose}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(requestID string, status int, message string) Event {
	return Event{RequestID: requestID, Type: EventError, Status: status, Message: message}
}

// ChunkEncoding selects how chunk payloads are represented on the WebSocket.
type ChunkEncoding string

const (
	// ChunkAuto sends valid UTF-8 as text and everything else as base64.
	ChunkAuto ChunkEncoding = "auto"
	// ChunkBase64 always sends base64.
	ChunkBase64 ChunkEncoding = "base64"
	// ChunkText always sends text; invalid UTF-8 is replaced with U+FFFD.
	ChunkText ChunkEncoding = "text"
)

// EventMessage is the JSON frame sent to WebSocket consumers for each event.
type EventMessage struct {
	RequestID string            `json:"request_id"`
	EventType EventType         `json:"event_type"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string            `json:"data,omitempty"`
	Encoding  string            `json:"encoding,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// NewEventMessage converts ev into its wire representation.
func NewEventMessage(ev Event, enc ChunkEncoding) EventMessage {
	msg := EventMessage{
		RequestID: ev.RequestID,
		EventType: ev.Type,
	}
	switch ev.Type {
	case EventHeaders:
		msg.Status = ev.Status
		msg.Headers = FlattenHeader(ev.Header)
	case EventChunk:
		msg.Data, msg.Encoding = encodeChunk(ev.Data, enc)
	case EventError:
		msg.Status = ev.Status
		msg.Message = ev.Message
	}
	return msg
}

func encodeChunk(data []byte, enc ChunkEncoding) (string, string) {
	switch enc {
	case ChunkText:
		return strings.ToValidUTF8(string(data), "�"), ""
	case ChunkBase64:
		return base64.StdEncoding.EncodeToString(data), "base64"
	default:
		if utf8.Valid(data) {
			return string(data), ""
		}
		return base64.StdEncoding.EncodeToString(data), "base64"
	}
}

// FlattenHeader returns h as a single-valued map with lowercase names,
// joining repeated values with ", ".
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		name := strings.ToLower(k)
		if prev, ok := out[name]; ok {
			out[name] = prev + ", " + strings.Join(vals, ", ")
			continue
		}
		out[name] = strings.Join(vals, ", ")
	}
	return out
}
