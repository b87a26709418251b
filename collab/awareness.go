package collab

import (
	"encoding/json"
	"time"
)

// Awareness is the ephemeral presence channel of one room. Entries live
// only as long as their connection, are replaced wholesale on every publish
// and are never written to durable storage.

type CursorRange struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type SelectionRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// AwarenessState is one connection's presence entry. ConnId and identity
// fields are stamped by the room, not trusted from the client payload.
type AwarenessState struct {
	ConnId      string          `json:"connId"`
	UserId      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color,omitempty"`
	Cursor      *CursorRange    `json:"cursor,omitempty"`
	Selection   *SelectionRange `json:"selection,omitempty"`
	Typing      bool            `json:"typing"`
	LastActive  time.Time       `json:"lastActive"`
	// Left marks the tombstone published when the connection detaches
	Left bool `json:"left,omitempty"`
}

type awareness struct {
	states map[Id]*AwarenessState
}

func newAwareness() *awareness {
	return &awareness{
		states: map[Id]*AwarenessState{},
	}
}

// publish decodes a client payload, replaces the connection's entry and
// returns the relayed payload tagged with the connection's identity.
func (self *awareness) publish(connId Id, grant *Grant, payload []byte) ([]byte, error) {
	state := &AwarenessState{}
	if err := json.Unmarshal(payload, state); err != nil {
		return nil, err
	}
	state.ConnId = connId.String()
	state.UserId = grant.UserId
	state.DisplayName = grant.DisplayName
	state.LastActive = time.Now()
	state.Left = false
	self.states[connId] = state
	return json.Marshal(state)
}

// tombstone removes the connection's entry and returns the payload that
// tells peers to drop its presence immediately.
func (self *awareness) tombstone(connId Id, grant *Grant) []byte {
	delete(self.states, connId)
	state := &AwarenessState{
		ConnId:      connId.String(),
		UserId:      grant.UserId,
		DisplayName: grant.DisplayName,
		LastActive:  time.Now(),
		Left:        true,
	}
	payload, _ := json.Marshal(state)
	return payload
}

// snapshot returns the current entries, one payload per peer, for a newly
// attached connection.
func (self *awareness) snapshot(exclude Id) [][]byte {
	payloads := [][]byte{}
	for connId, state := range self.states {
		if connId == exclude {
			continue
		}
		payload, err := json.Marshal(state)
		if err != nil {
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}
