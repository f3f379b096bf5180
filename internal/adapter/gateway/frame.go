package gateway

import (
	"encoding/json"
	"fmt"

	"clawnode/internal/domain"
)

// FrameType is the wire discriminator carried in every frame's "type" field.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Well-known methods and events of the node protocol.
const (
	MethodConnect     = "connect"
	MethodPairRequest = "node.pair.request"

	EventConnectChallenge = "connect.challenge"
	EventPairResolved     = "node.pair.resolved"

	helloOK = "hello-ok"
)

// Frame is one protocol message. The concrete type is one of *Challenge,
// *Request, *Response or *Event.
type Frame interface {
	frameType() FrameType
}

// Challenge is the connect.challenge event that opens every handshake.
type Challenge struct {
	Nonce     string
	Timestamp int64
}

// Request invokes a method on the peer. Gateway-initiated requests are commands.
type Request struct {
	ID     string
	Method string
	Params map[string]any
}

// Response answers exactly one prior Request, correlated by ID.
type Response struct {
	ID      string
	OK      bool
	Payload map[string]any
	Error   *FrameError
}

// Event is a fire-and-forget notification.
type Event struct {
	Name    string
	Payload map[string]any
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Message string `json:"message"`
}

func (*Challenge) frameType() FrameType { return FrameTypeEvent }
func (*Request) frameType() FrameType   { return FrameTypeRequest }
func (*Response) frameType() FrameType  { return FrameTypeResponse }
func (*Event) frameType() FrameType     { return FrameTypeEvent }

// ErrorMessage returns the error text of a failed response, or "".
func (r *Response) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// wireFrame is the envelope as it appears on the wire. Interface-typed fields
// are omitted only when nil, so an empty params object survives a round trip.
type wireFrame struct {
	Type    FrameType   `json:"type"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method,omitempty"`
	Event   string      `json:"event,omitempty"`
	Params  any         `json:"params,omitempty"`
	OK      *bool       `json:"ok,omitempty"`
	Payload any         `json:"payload,omitempty"`
	Error   *FrameError `json:"error,omitempty"`
}

type inboundFrame struct {
	Type    FrameType       `json:"type"`
	ID      *string         `json:"id"`
	Method  *string         `json:"method"`
	Event   *string         `json:"event"`
	Params  json.RawMessage `json:"params"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *FrameError     `json:"error"`
}

type challengePayload struct {
	Nonce *string `json:"nonce"`
	Ts    int64   `json:"ts"`
}

// EncodeFrame serializes a frame to its JSON wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	var w wireFrame
	switch v := f.(type) {
	case *Challenge:
		w = wireFrame{
			Type:    FrameTypeEvent,
			Event:   EventConnectChallenge,
			Payload: map[string]any{"nonce": v.Nonce, "ts": v.Timestamp},
		}
	case *Request:
		w = wireFrame{Type: FrameTypeRequest, ID: v.ID, Method: v.Method}
		if v.Params != nil {
			w.Params = v.Params
		}
	case *Response:
		ok := v.OK
		w = wireFrame{Type: FrameTypeResponse, ID: v.ID, OK: &ok, Error: v.Error}
		if v.Payload != nil {
			w.Payload = v.Payload
		}
	case *Event:
		w = wireFrame{Type: FrameTypeEvent, Event: v.Name}
		if v.Payload != nil {
			w.Payload = v.Payload
		}
	default:
		return nil, fmt.Errorf("encode frame: unsupported frame %T", f)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", w.Type, err)
	}
	return data, nil
}

// DecodeFrame parses a wire frame. Any structural problem yields an error
// wrapping domain.ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, malformed(err.Error())
	}

	switch in.Type {
	case FrameTypeRequest:
		if in.ID == nil || *in.ID == "" {
			return nil, malformed("request without id")
		}
		if in.Method == nil || *in.Method == "" {
			return nil, malformed("request without method")
		}
		params, err := decodeObject(in.Params)
		if err != nil {
			return nil, malformed("request params: " + err.Error())
		}
		return &Request{ID: *in.ID, Method: *in.Method, Params: params}, nil

	case FrameTypeResponse:
		if in.ID == nil || *in.ID == "" {
			return nil, malformed("response without id")
		}
		if in.OK == nil {
			return nil, malformed("response without ok")
		}
		payload, err := decodeObject(in.Payload)
		if err != nil {
			return nil, malformed("response payload: " + err.Error())
		}
		return &Response{ID: *in.ID, OK: *in.OK, Payload: payload, Error: in.Error}, nil

	case FrameTypeEvent:
		if in.Event == nil || *in.Event == "" {
			return nil, malformed("event without name")
		}
		if *in.Event == EventConnectChallenge {
			var cp challengePayload
			if err := json.Unmarshal(in.Payload, &cp); err != nil {
				return nil, malformed("challenge payload: " + err.Error())
			}
			if cp.Nonce == nil {
				return nil, malformed("challenge without nonce")
			}
			return &Challenge{Nonce: *cp.Nonce, Timestamp: cp.Ts}, nil
		}
		payload, err := decodeObject(in.Payload)
		if err != nil {
			return nil, malformed("event payload: " + err.Error())
		}
		return &Event{Name: *in.Event, Payload: payload}, nil

	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed(fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

// decodeObject decodes an optional JSON object. Absent or null yields nil.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func malformed(detail string) error {
	return domain.NewDomainError("DecodeFrame", domain.ErrMalformedFrame, detail)
}
