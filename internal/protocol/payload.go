package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload codecs for the client operations. Shapes follow the wire contract:
// Register/Login use a two-element array, SendMessage and DeleteMessage use
// objects, and single-username operations accept either ["name"] or
// {"username":"name"}.

// Credentials is the Register/Login payload: [username, password].
type Credentials struct {
	Username string
	Password string
}

// DecodeCredentials parses a two-element [username, password] array.
func DecodeCredentials(raw json.RawMessage) (Credentials, error) {
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return Credentials{}, fmt.Errorf("credentials must be [username, password]: %w", err)
	}
	if len(pair) != 2 {
		return Credentials{}, fmt.Errorf("credentials must have exactly 2 elements, got %d", len(pair))
	}
	if pair[0] == "" || pair[1] == "" {
		return Credentials{}, fmt.Errorf("username and password must be non-empty")
	}
	return Credentials{Username: pair[0], Password: pair[1]}, nil
}

// SendMessage is the "M" payload.
type SendMessage struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// DecodeSendMessage parses an "M" payload.
func DecodeSendMessage(raw json.RawMessage) (SendMessage, error) {
	var m SendMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return SendMessage{}, fmt.Errorf("malformed message payload: %w", err)
	}
	if m.Sender == "" || m.Recipient == "" {
		return SendMessage{}, fmt.Errorf("message payload requires sender and recipient")
	}
	return m, nil
}

// DeleteMessage is the "D" payload.
type DeleteMessage struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
}

// DecodeDeleteMessage parses a "D" payload.
func DecodeDeleteMessage(raw json.RawMessage) (DeleteMessage, error) {
	var d DeleteMessage
	if err := json.Unmarshal(raw, &d); err != nil {
		return DeleteMessage{}, fmt.Errorf("malformed delete payload: %w", err)
	}
	if d.Sender == "" {
		return DeleteMessage{}, fmt.Errorf("delete payload requires sender")
	}
	return d, nil
}

// ViewCountUpdate is the "W" payload.
type ViewCountUpdate struct {
	Username string `json:"username"`
	NewCount int    `json:"new_count"`
}

// DecodeViewCountUpdate parses a "W" payload.
func DecodeViewCountUpdate(raw json.RawMessage) (ViewCountUpdate, error) {
	var v ViewCountUpdate
	if err := json.Unmarshal(raw, &v); err != nil {
		return ViewCountUpdate{}, fmt.Errorf("malformed view count payload: %w", err)
	}
	if v.Username == "" {
		return ViewCountUpdate{}, fmt.Errorf("view count payload requires username")
	}
	if v.NewCount < 0 {
		return ViewCountUpdate{}, fmt.Errorf("view count must be non-negative")
	}
	return v, nil
}

// DecodeUsername parses the single-user payload used by GetMessages, LogOff,
// DeleteUser, and GetUserStats. Both ["name"] and {"username":"name"} are
// accepted on the wire.
func DecodeUsername(raw json.RawMessage) (string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 || list[0] == "" {
			return "", fmt.Errorf("username payload is empty")
		}
		return list[0], nil
	}
	var obj struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Username == "" {
		return "", fmt.Errorf("payload must be [username] or {\"username\": ...}")
	}
	return obj.Username, nil
}

// Notification is the unsolicited push sent to an online recipient.
type Notification struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// UserStats is the "V" response payload.
type UserStats struct {
	LogOffTime *string `json:"log_off_time"`
	ViewCount  int     `json:"view_count"`
}
