package gateway

import (
	"bytes"
	"encoding/json"
)

// Request is one call, identical on the duplex channel and the stateless
// endpoint. ID is echoed verbatim and may be any JSON value.
type Request struct {
	ID     json.RawMessage   `json:"id,omitempty"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// Response carries either Result or Error for the request with the same ID.
type Response struct {
	ID     json.RawMessage
	Result any
	Error  *Error
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID    json.RawMessage `json:"id,omitempty"`
			Error *Error          `json:"error"`
		}{r.ID, r.Error})
	}
	return json.Marshal(struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Result any             `json:"result"`
	}{r.ID, r.Result})
}

// DecodeRequest parses an inbound frame. On failure the returned response
// is the error frame to send back, carrying the id when it could be read.
func DecodeRequest(data []byte) (Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &Response{ID: peekID(data), Error: Validationf("malformed frame: %v", err)}
	}
	if req.Method == "" {
		return Request{}, &Response{ID: req.ID, Error: Validationf("missing method")}
	}
	if bytes.Equal(bytes.TrimSpace(req.ID), []byte("null")) {
		req.ID = nil
	}
	return req, nil
}

func peekID(data []byte) json.RawMessage {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil
	}
	return head.ID
}
