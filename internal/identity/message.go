package identity

import (
	"encoding/json"
)

const (
	KindRequest  = "request"
	KindResponse = "client_response"
)

// Request is published by a node without identity.
type Request struct {
	Type        string `json:"type"`
	ClientID    string `json:"client_id"`
	Description string `json:"description"`
}

// Response is produced by the assigning server.
type Response struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	UUID     string `json:"uuid"`
}

func NewRequest(clientID, description string) Request {
	return Request{Type: KindRequest, ClientID: clientID, Description: description}
}

func (r Request) Marshal() ([]byte, error) { return json.Marshal(r) }

// ParseRequest returns ok=false for anything but a well formed request.
func ParseRequest(b []byte) (Request, bool) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return r, false
	}
	return r, r.Type == KindRequest && r.ClientID != ""
}

func (r Response) Marshal() ([]byte, error) { return json.Marshal(r) }

// ParseResponse returns ok=false unless payload is a JSON object with
// type=client_response and non-empty string client_id and uuid.
// Wrong field types (number instead of string) also give ok=false.
func ParseResponse(b []byte) (Response, bool) {
	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		return r, false
	}
	return r, r.Type == KindResponse && r.ClientID != "" && r.UUID != ""
}
