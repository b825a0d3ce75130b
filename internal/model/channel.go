package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Control events sent outside of any relayed request.
const (
	ControlConnected = "connected"
	ControlError     = "error"
)

// ControlMessage is a frame that is not tied to a request: the welcome
// acknowledgment and decode errors.
type ControlMessage struct {
	Event   string `json:"event"`
	Msg     string `json:"msg,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrInvalidRequest is returned when an inbound WebSocket frame cannot be
// decoded into a request.
var ErrInvalidRequest = errors.New("invalid channel request")

// ChannelRequest is the JSON payload a WebSocket consumer sends to start a
// relayed request.
type ChannelRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_params"`
	// Body is either a JSON string, forwarded as its text, or any other JSON
	// value, forwarded as raw JSON.
	Body         json.RawMessage `json:"body"`
	BodyEncoding string          `json:"body_encoding,omitempty"`
	RequestID    string          `json:"request_id"`
}

// DecodeChannelRequest parses a WebSocket frame into a ChannelRequest.
func DecodeChannelRequest(data []byte) (*ChannelRequest, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidRequest)
	}
	var req ChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return &req, nil
}

// Descriptor converts the payload into a RequestDescriptor. requestID is used
// when the payload does not carry its own request_id.
func (r *ChannelRequest) Descriptor(requestID string) (*RequestDescriptor, error) {
	body, err := r.decodeBody()
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		header.Add(k, v)
	}

	var query url.Values
	if len(r.QueryParams) > 0 {
		query = make(url.Values, len(r.QueryParams))
		for k, v := range r.QueryParams {
			query.Set(k, v)
		}
	}

	id := r.RequestID
	if id == "" {
		id = requestID
	}

	return &RequestDescriptor{
		Method:    r.Method,
		Path:      r.Path,
		Query:     query,
		Header:    header,
		Body:      body,
		RequestID: id,
	}, nil
}

func (r *ChannelRequest) decodeBody() ([]byte, error) {
	raw := bytes.TrimSpace(r.Body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return []byte(raw), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrInvalidRequest, err)
	}
	switch r.BodyEncoding {
	case "", "text":
		return []byte(s), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrInvalidRequest, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown body_encoding %q", ErrInvalidRequest, r.BodyEncoding)
	}
}
