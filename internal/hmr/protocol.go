package hmr

import (
	"encoding/json"
	"errors"
	"fmt"

	"livereload/internal/classify"
)

type MessageType string

const (
	MessageConnected  MessageType = "connected"
	MessageUpdate     MessageType = "update"
	MessagePing       MessageType = "ping"
	MessageFullReload MessageType = "full-reload"
	MessageError      MessageType = "error"
)

type UpdateType string

const (
	UpdateJS  UpdateType = "js-update"
	UpdateCSS UpdateType = "css-update"
)

var ErrUnknownMessageType = errors.New("unknown hmr message type")

// Update is the wire form of one changed file.
type Update struct {
	Type      UpdateType `json:"type"`
	Path      string     `json:"path"`
	Timestamp int64      `json:"timestamp"`
}

// Message is the JSON envelope sent to browser clients, tagged on Type.
// Updates is set only for MessageUpdate, Message only for MessageError.
type Message struct {
	Type    MessageType `json:"type"`
	Updates []Update    `json:"updates,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ConnectedMessage() Message {
	return Message{Type: MessageConnected}
}

func UpdateMessage(records []classify.UpdateRecord) Message {
	return Message{Type: MessageUpdate, Updates: UpdatesFromRecords(records)}
}

func UpdatesFromRecords(records []classify.UpdateRecord) []Update {
	updates := make([]Update, 0, len(records))
	for _, record := range records {
		updates = append(updates, Update{
			Type:      updateTypeFor(record.Kind),
			Path:      record.Path,
			Timestamp: record.Timestamp,
		})
	}
	return updates
}

func updateTypeFor(kind classify.UpdateKind) UpdateType {
	switch kind {
	case classify.KindStyle:
		return UpdateCSS
	case classify.KindScript:
		return UpdateJS
	default:
		return UpdateJS
	}
}

func Encode(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// Decode parses one client-bound message. Every type in the protocol is
// accepted, including the ones this server never sends.
func Decode(data []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("decode hmr message: %w", err)
	}
	switch message.Type {
	case MessageConnected, MessageUpdate, MessagePing, MessageFullReload, MessageError:
		return message, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, message.Type)
	}
}
