package jsonrpc2

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

const (
	ErrCodeParse            = -32700
	ErrCodeInvalidRequest   = -32600
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternal         = -32603
	ErrCodeServer           = -32000
	ErrCodeSubscriptionCap  = -32001
	ErrCodeOversizedMessage = -32701
)

// Request is the method-bearing half of a Message. A Request with an empty
// Message ID is a notification and never produces a response.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the result-bearing half of a Message. Exactly one of Result
// and Error is set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrResponse    `json:"error,omitempty"`
}

// ErrResponse is a JSONRPC error object. It implements error, so wire
// errors can be returned directly from Call.
type ErrResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (err *ErrResponse) Error() string {
	return fmt.Sprintf("%d: %s", err.Code, err.Message)
}

// errResponse builds an error object with the detail carried in data.
func errResponse(code int, message string, detail string) *ErrResponse {
	r := &ErrResponse{
		Code:    code,
		Message: message,
	}
	if detail != "" {
		if data, err := json.Marshal(detail); err == nil {
			r.Data = data
		}
	}
	return r
}

// Message is a single JSONRPC unit: a Request (or notification), a
// Response, or a Batch of Messages sent as one top-level array.
type Message struct {
	ID      json.RawMessage
	Version string
	*Request
	*Response
	Batch []*Message
}

// wireMessage is the flat object encoding of a non-batch Message.
type wireMessage struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrResponse    `json:"error,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Batch != nil {
		return json.Marshal(m.Batch)
	}
	wire := wireMessage{
		ID:      m.ID,
		Version: m.Version,
	}
	if m.Request != nil {
		wire.Method = m.Request.Method
		wire.Params = m.Request.Params
	}
	if m.Response != nil {
		wire.Result = m.Response.Result
		wire.Error = m.Response.Error
		if wire.Error == nil && wire.Result == nil {
			wire.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes an object or a top-level array. It only fails on
// malformed JSON; structural validity is checked separately by Validate, so
// that a structurally broken message can still be answered with an error
// response carrying its ID.
func (m *Message) UnmarshalJSON(data []byte) error {
	if isArray(data) {
		return json.Unmarshal(data, &m.Batch)
	}
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Version = wire.Version
	if wire.Method != "" {
		m.Request = &Request{
			Method: wire.Method,
			Params: wire.Params,
		}
		return nil
	}
	if wire.Result != nil || wire.Error != nil {
		m.Response = &Response{
			Result: wire.Result,
			Error:  wire.Error,
		}
	}
	return nil
}

// Validate reports whether the message is a structurally valid JSONRPC unit.
// An invalid message yields an InvalidRequest error object.
func (m *Message) Validate() *ErrResponse {
	if m.Batch != nil {
		return nil
	}
	if m.Version != Version {
		return errResponse(ErrCodeInvalidRequest, "Invalid request", fmt.Sprintf("unsupported version: %q", m.Version))
	}
	if m.Request != nil {
		if m.Request.Method == "" {
			return errResponse(ErrCodeInvalidRequest, "Invalid request", "missing method")
		}
		return nil
	}
	if m.Response != nil {
		if (m.Response.Result == nil) == (m.Response.Error == nil) {
			return errResponse(ErrCodeInvalidRequest, "Invalid request", "response must carry exactly one of result and error")
		}
		if m.Response.Error != nil && m.Response.Error.Message == "" {
			return errResponse(ErrCodeInvalidRequest, "Invalid request", "error object missing message")
		}
		return nil
	}
	return errResponse(ErrCodeInvalidRequest, "Invalid request", "not a request, response or batch")
}

// UnmarshalResult unpacks a response message into result, or returns the
// response's error.
func (m *Message) UnmarshalResult(result interface{}) error {
	if m == nil || m.Response == nil {
		return nil
	}
	if m.Response.Error != nil {
		return m.Response.Error
	}
	if result == nil || len(m.Response.Result) == 0 || string(m.Response.Result) == "null" {
		// No result
		return nil
	}
	return json.Unmarshal(m.Response.Result, result)
}

func (m *Message) String() string {
	out, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("failed to marshal message: %s", err)
	}
	return string(out)
}

// errorMessage builds a response message for the given request ID, which may
// be nil for errors detected before an ID could be read.
func errorMessage(id json.RawMessage, errResp *ErrResponse) *Message {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Message{
		ID:       id,
		Version:  Version,
		Response: &Response{Error: errResp},
	}
}

// ErrParse is returned by frame-based codecs when a received payload is not
// valid JSON. It is fatal to the offending unit, not the connection.
type ErrParse struct {
	Err error
}

func (err *ErrParse) Error() string {
	return fmt.Sprintf("parse error: %s", err.Err)
}

func (err *ErrParse) Unwrap() error {
	return err.Err
}

// ErrOversizedMessage is returned by codecs when an inbound unit exceeds the
// configured payload ceiling. The unit is discarded; the connection lives.
type ErrOversizedMessage struct {
	Size  int64
	Limit int64
}

func (err *ErrOversizedMessage) Error() string {
	return fmt.Sprintf("oversized message: %d bytes exceeds limit of %d", err.Size, err.Limit)
}

// ErrConnectionClosed is the terminal failure handed to every pending call
// and open subscription when the underlying connection goes away.
type ErrConnectionClosed struct {
	Err error
}

func (err ErrConnectionClosed) Error() string {
	if err.Err == nil {
		return "connection closed"
	}
	return fmt.Sprintf("connection closed: %s", err.Err)
}

func (err ErrConnectionClosed) Unwrap() error {
	return err.Err
}

// ErrDuplicateMethod is returned when a method name is registered twice.
// Registration happens at startup, so this surfaces configuration bugs
// before any connection is accepted.
type ErrDuplicateMethod struct {
	Method string
}

func (err ErrDuplicateMethod) Error() string {
	return fmt.Sprintf("method already registered: %s", err.Method)
}
