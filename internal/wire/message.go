// Package wire implements the controller's message framing and the
// action catalogue spoken between the controller and its members.
//
// Every frame on the wire is a 4-byte unsigned big-endian length prefix
// followed by exactly that many bytes of UTF-8 JSON encoding a single
// Message.
package wire

import (
	"encoding/json"
	"fmt"
)

// Controller-initiated actions.
const (
	ActionCredentialsGood       = "credentials_good"
	ActionUnknownSDPID          = "unknown_sdp_id"
	ActionSDPIDUnauthorized     = "sdpid_unauthorized"
	ActionDatabaseError         = "database_error"
	ActionDuplicateConnection   = "duplicate_connection"
	ActionCredentialUpdate      = "credential_update"
	ActionCredentialUpdateError = "credential_update_error"
	ActionServiceRefresh        = "service_refresh"
	ActionAccessRefresh         = "access_refresh"
	ActionAccessUpdate          = "access_update"
	ActionBadMessage            = "bad_message"
)

// Member-initiated actions.
const (
	ActionCredentialUpdateRequest = "credential_update_request"
	ActionCredentialUpdateAck     = "credential_update_ack"
	ActionServiceRefreshRequest   = "service_refresh_request"
	ActionServiceAck              = "service_ack"
	ActionAccessRefreshRequest    = "access_refresh_request"
	ActionAccessAck               = "access_ack"
	ActionConnectionUpdate        = "connection_update"
)

// ActionKeepAlive flows in both directions and is echoed verbatim.
const ActionKeepAlive = "keep_alive"

// Message is the JSON envelope carried in every frame.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message with the given payload encoded as JSON.
func NewMessage(action string, data any) (*Message, error) {
	if data == nil {
		return &Message{Action: action}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return &Message{Action: action, Data: raw}, nil
}

// Decode parses one frame payload into a Message. The action tag must be
// present and non-empty; payload validation is left to the handler.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if msg.Action == "" {
		return nil, fmt.Errorf("parse message: missing action")
	}
	return &msg, nil
}

// Unmarshal decodes the message payload into v.
func (m *Message) Unmarshal(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Action, err)
	}
	return nil
}

// CredentialData carries freshly rotated key and certificate material.
type CredentialData struct {
	SPAEncryptionKeyBase64 string `json:"spa_encryption_key_base64"`
	SPAHMACKeyBase64       string `json:"spa_hmac_key_base64"`
	TLSKey                 string `json:"tls_key"`
	TLSCert                string `json:"tls_cert"`
}

// AccessEntry is one client's grant within an access_refresh or
// access_update payload.
type AccessEntry struct {
	SDPID                  uint32 `json:"sdp_id"`
	Source                 string `json:"source"`
	ServiceList            string `json:"service_list"`
	OpenPorts              string `json:"open_ports,omitempty"`
	SPAEncryptionKeyBase64 string `json:"spa_encryption_key_base64"`
	SPAHMACKeyBase64       string `json:"spa_hmac_key_base64"`
}

// ServiceEntry is one service/port mapping within a service_refresh payload.
type ServiceEntry struct {
	ServiceID uint32 `json:"service_id"`
	Proto     string `json:"proto"`
	Port      uint16 `json:"port"`
	NATIP     string `json:"nat_ip,omitempty"`
	NATPort   uint16 `json:"nat_port,omitempty"`
}

// FlowRecord is one reported network connection in a connection_update
// batch. EndTimestamp zero means the flow is still open.
type FlowRecord struct {
	SDPID              uint32 `json:"sdp_id"`
	ServiceID          uint32 `json:"service_id"`
	Protocol           string `json:"protocol"`
	SourceIP           string `json:"src_ip"`
	SourcePort         uint16 `json:"src_port"`
	DestinationIP      string `json:"dst_ip"`
	DestinationPort    uint16 `json:"dst_port"`
	NATDestinationIP   string `json:"nat_dst_ip,omitempty"`
	NATDestinationPort uint16 `json:"nat_dst_port,omitempty"`
	StartTimestamp     int64  `json:"start_timestamp"`
	EndTimestamp       int64  `json:"end_timestamp,omitempty"`
}

// Open reports whether the flow record still lacks an end timestamp.
func (r *FlowRecord) Open() bool { return r.EndTimestamp == 0 }
