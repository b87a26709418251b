package collab

import (
	"fmt"
)

// Wire messages are binary websocket frames with a one byte type prefix.
// Sync negotiation follows the state vector exchange: a peer announces what
// it contains (step 1) and receives only what it is missing (step 2).

type MessageType byte

const (
	// payload: encoded state vector of the sender
	MessageTypeSyncStep1 MessageType = 0x01
	// payload: encoded update containing the ops the receiver is missing
	MessageTypeSyncStep2 MessageType = 0x02
	// payload: encoded update for one or more edits
	MessageTypeUpdate MessageType = 0x03
	// payload: JSON awareness entry, relayed verbatim to peers
	MessageTypeAwareness MessageType = 0x04
)

func EncodeMessage(messageType MessageType, payload []byte) []byte {
	message := make([]byte, 1+len(payload))
	message[0] = byte(messageType)
	copy(message[1:], payload)
	return message
}

func DecodeMessage(message []byte) (MessageType, []byte, error) {
	if len(message) == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}
	messageType := MessageType(message[0])
	switch messageType {
	case MessageTypeSyncStep1, MessageTypeSyncStep2, MessageTypeUpdate, MessageTypeAwareness:
		return messageType, message[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown message type %d", message[0])
	}
}
