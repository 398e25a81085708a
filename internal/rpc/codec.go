// Package rpc builds and parses the JSON-RPC 2.0 frames spoken with the
// cloud platform. Requests address entities by a hierarchical url of the
// form /network/{id}/device/{id}/value/{id}/state/{id} and carry a
// correlation id that is unique per session and reset on reconnect.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/berfenger/wappgw/internal/model"
)

const Version = "2.0"

const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

const (
	// CodeInternal is the generic error code the platform dialect uses for
	// rejected requests.
	CodeInternal = -32020
	// CodeMethodNotFound answers inbound frames with an unknown method.
	CodeMethodNotFound = -32601
)

type Envelope struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *Params         `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Params struct {
	URL  string          `json:"url"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// StatePayload is the data element of a state request.
type StatePayload struct {
	Meta      model.Meta `json:"meta"`
	Type      string     `json:"type"`
	Status    string     `json:"status,omitempty"`
	Data      string     `json:"data"`
	Timestamp string     `json:"timestamp,omitempty"`
}

// ProtocolError marks inbound bytes that could not be decoded as a frame.
// The offending frame is discarded; the session continues.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Builder mints outbound request envelopes. Correlation ids are
// "{token}_{VERB}_{n}" with n monotonically increasing; Reset starts a new
// epoch after a reconnect.
type Builder struct {
	token string
	count uint64
}

func NewBuilder() *Builder {
	return &Builder{token: newToken()}
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (b *Builder) Reset() {
	b.token = newToken()
	b.count = 0
}

func (b *Builder) nextID(verb string) string {
	b.count++
	return fmt.Sprintf("%s_%s_%d", b.token, verb, b.count)
}

// NetworkPost pushes the full network document on first handshake.
func (b *Builder) NetworkPost(document json.RawMessage) Envelope {
	return Envelope{
		Jsonrpc: Version,
		ID:      b.nextID(MethodPost),
		Method:  MethodPost,
		Params:  &Params{URL: "/network", Data: document},
	}
}

// NetworkPut confirms the network head on a resumed session.
func (b *Builder) NetworkPut(networkID, name string) Envelope {
	data, _ := json.Marshal(struct {
		Meta model.Meta `json:"meta"`
		Name string     `json:"name"`
	}{
		Meta: model.Meta{ID: networkID, Type: "network", Version: Version},
		Name: name,
	})
	return Envelope{
		Jsonrpc: Version,
		ID:      b.nextID(MethodPut),
		Method:  MethodPut,
		Params:  &Params{URL: "/network/" + networkID, Data: data},
	}
}

// StateRequest encodes a Report or Control state write (PUT/POST) or read
// (GET, no payload).
func (b *Builder) StateRequest(verb string, u model.StateUpdate) Envelope {
	env := Envelope{
		Jsonrpc: Version,
		ID:      b.nextID(verb),
		Method:  verb,
		Params:  &Params{URL: stateURL(u.Ref)},
	}
	if verb != MethodGet {
		payload := StatePayload{
			Meta:      model.Meta{ID: u.StateID, Type: "state", Version: Version},
			Type:      string(u.Type),
			Status:    "Send",
			Data:      u.Data,
			Timestamp: model.FormatTimestamp(u.Timestamp),
		}
		env.Params.Data, _ = json.Marshal(payload)
	}
	return env
}

// DeleteRequest addresses the deepest id present in ref.
func (b *Builder) DeleteRequest(ref model.Ref) Envelope {
	return Envelope{
		Jsonrpc: Version,
		ID:      b.nextID(MethodDelete),
		Method:  MethodDelete,
		Params:  &Params{URL: refURL(ref)},
	}
}

func SuccessResponse(id string) Envelope {
	return Envelope{
		Jsonrpc: Version,
		ID:      id,
		Result:  json.RawMessage("true"),
	}
}

func ErrorResponse(id, message string, code int) Envelope {
	return Envelope{
		Jsonrpc: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: ""},
	}
}

// Parse decodes inbound bytes into one or more envelopes. The counterpart
// bulks frames into JSON arrays when draining its queue.
func Parse(data []byte) ([]Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ProtocolError{Reason: "empty frame"}
	}
	if trimmed[0] == '[' {
		var batch []Envelope
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, &ProtocolError{Reason: "malformed batch", Err: err}
		}
		return batch, nil
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	return []Envelope{env}, nil
}

// Encode marshals a bulk of envelopes into a single wire write.
func Encode(envs []Envelope) ([]byte, error) {
	if len(envs) == 1 {
		return json.Marshal(envs[0])
	}
	return json.Marshal(envs)
}

func (e Envelope) IsRequest() bool {
	return e.Method != ""
}

func (e Envelope) IsResponse() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// StatePayload decodes the params data element of a state request.
func (e Envelope) StatePayload() (*StatePayload, error) {
	if e.Params == nil || len(e.Params.Data) == 0 {
		return nil, &ProtocolError{Reason: "missing data element"}
	}
	var p StatePayload
	if err := json.Unmarshal(e.Params.Data, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed data element", Err: err}
	}
	return &p, nil
}

// ResultState extracts a state payload carried inside a success result, the
// way the platform confirms control writes. A bare `true` result yields nil.
func (e Envelope) ResultState() *StatePayload {
	if len(e.Result) == 0 {
		return nil
	}
	var wrapped struct {
		Value *StatePayload `json:"value"`
	}
	if err := json.Unmarshal(e.Result, &wrapped); err != nil {
		return nil
	}
	return wrapped.Value
}

// Target parses the params url into an entity reference. Trace query
// parameters are ignored.
func (e Envelope) Target() (model.Ref, error) {
	if e.Params == nil {
		return model.Ref{}, &ProtocolError{Reason: "missing params"}
	}
	return ParseURL(e.Params.URL)
}

// TargetLeafID returns the deepest id of the params url.
func (e Envelope) TargetLeafID() string {
	if e.Params == nil {
		return ""
	}
	url := strings.SplitN(e.Params.URL, "?", 2)[0]
	parts := strings.Split(strings.Trim(url, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func ParseURL(url string) (model.Ref, error) {
	url = strings.SplitN(url, "?", 2)[0]
	parts := strings.Split(strings.Trim(url, "/"), "/")
	if len(parts)%2 != 0 {
		return model.Ref{}, &ProtocolError{Reason: fmt.Sprintf("unbalanced url %q", url)}
	}
	var ref model.Ref
	for i := 0; i < len(parts); i += 2 {
		id := parts[i+1]
		switch parts[i] {
		case "network":
			ref.NetworkID = id
		case "device":
			ref.DeviceID = id
		case "value":
			ref.ValueID = id
		case "state":
			ref.StateID = id
		default:
			return model.Ref{}, &ProtocolError{Reason: fmt.Sprintf("unknown url segment %q", parts[i])}
		}
	}
	return ref, nil
}

func stateURL(ref model.Ref) string {
	return fmt.Sprintf("/network/%s/device/%s/value/%s/state/%s",
		ref.NetworkID, ref.DeviceID, ref.ValueID, ref.StateID)
}

func refURL(ref model.Ref) string {
	var sb strings.Builder
	if ref.NetworkID != "" {
		sb.WriteString("/network/" + ref.NetworkID)
		if ref.DeviceID != "" {
			sb.WriteString("/device/" + ref.DeviceID)
			if ref.ValueID != "" {
				sb.WriteString("/value/" + ref.ValueID)
				if ref.StateID != "" {
					sb.WriteString("/state/" + ref.StateID)
				}
			}
		}
	}
	return sb.String()
}
