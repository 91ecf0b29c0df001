package schema

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Update is the final message handed to a hub: one per (object, policy) pair.
type Update struct {
	Topics  []string
	Data    string
	Private bool
	ID      string
	Type    string
	Retry   int
}

type wireUpdate struct {
	Topic   json.RawMessage `json:"topic"`
	Data    string          `json:"data"`
	Private bool            `json:"private"`
	ID      *string         `json:"id"`
	Type    *string         `json:"type"`
	Retry   *int            `json:"retry"`
}

// MarshalJSON renders a single topic as a string and several as a list.
// Empty id, type and retry are emitted as null.
func (u Update) MarshalJSON() ([]byte, error) {
	var (
		topic []byte
		err   error
	)
	if len(u.Topics) == 1 {
		topic, err = json.Marshal(u.Topics[0])
	} else {
		topics := u.Topics
		if topics == nil {
			topics = []string{}
		}
		topic, err = json.Marshal(topics)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal topic: %w", err)
	}
	wire := wireUpdate{
		Topic:   topic,
		Data:    u.Data,
		Private: u.Private,
		ID:      nil,
		Type:    nil,
		Retry:   nil,
	}
	if u.ID != "" {
		wire.ID = &u.ID
	}
	if u.Type != "" {
		wire.Type = &u.Type
	}
	if u.Retry > 0 {
		wire.Retry = &u.Retry
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts the topic as a string or a list of strings.
func (u *Update) UnmarshalJSON(data []byte) error {
	var wire wireUpdate
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	topics, err := decodeTopic(wire.Topic)
	if err != nil {
		return err
	}
	*u = Update{
		Topics:  topics,
		Data:    wire.Data,
		Private: wire.Private,
		ID:      "",
		Type:    "",
		Retry:   0,
	}
	if wire.ID != nil {
		u.ID = *wire.ID
	}
	if wire.Type != nil {
		u.Type = *wire.Type
	}
	if wire.Retry != nil {
		u.Retry = *wire.Retry
	}
	return nil
}

func decodeTopic(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("decode topic: %w", err)
	}
	return many, nil
}

// Clone returns a deep copy of the update.
func (u Update) Clone() Update {
	out := u
	if u.Topics != nil {
		out.Topics = append([]string(nil), u.Topics...)
	}
	return out
}

// DeletionSnapshot captures the identity of a deleted object before the
// transaction commits, when the object can still be resolved.
type DeletionSnapshot struct {
	// ID is the canonical (relative) identifier.
	ID string
	// IRI is the absolute reference used as the default topic.
	IRI string
	// Types are the resolved type tags of the resource.
	Types []string
}

// Type returns the single type tag, the full list when several are declared, or nil.
func (d DeletionSnapshot) Type() any {
	switch len(d.Types) {
	case 0:
		return nil
	case 1:
		return d.Types[0]
	default:
		return append([]string(nil), d.Types...)
	}
}
