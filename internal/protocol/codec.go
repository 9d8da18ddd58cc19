package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"consensus-room/internal/errs"
)

// Stamp fills the envelope of an outgoing message.
func Stamp(m Message, senderID string, now time.Time) {
	h := m.Head()
	h.Type = m.MessageType()
	h.SenderID = senderID
	h.Timestamp = now.UnixMilli()
	if h.SequenceID == "" {
		h.SequenceID = NewSequenceID(now)
	}
}

// Encode serializes m with its discriminator set.
func Encode(m Message) ([]byte, error) {
	m.Head().Type = m.MessageType()
	if batch, ok := m.(*BatchUpdate); ok && len(batch.Events) == 0 && len(batch.Members) > 0 {
		events, err := encodeMembers(batch.Members)
		if err != nil {
			return nil, err
		}
		batch.Events = events
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.ValidationError(fmt.Sprintf("encode %s", m.MessageType()), err)
	}
	return data, nil
}

// Decode parses and validates one wire message. Batch members are decoded
// into BatchUpdate.Members.
func Decode(data []byte) (Message, error) {
	return decode(data, false)
}

// NewBatch wraps delta and game event messages in a batch envelope.
func NewBatch(members ...Message) (*BatchUpdate, error) {
	events, err := encodeMembers(members)
	if err != nil {
		return nil, err
	}
	return &BatchUpdate{Events: events, Members: members}, nil
}

func encodeMembers(members []Message) ([]json.RawMessage, error) {
	events := make([]json.RawMessage, 0, len(members))
	for _, member := range members {
		if !batchable(member.MessageType()) {
			return nil, errs.ValidationError(fmt.Sprintf("%s cannot be batched", member.MessageType()), nil)
		}
		data, err := Encode(member)
		if err != nil {
			return nil, err
		}
		events = append(events, data)
	}
	return events, nil
}

func decode(data []byte, nested bool) (Message, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errs.ValidationError("decode message", err)
	}
	if probe.Type == "" {
		return nil, errs.ValidationError("message type is required", nil)
	}
	m, ok := newMessage(probe.Type)
	if !ok {
		return nil, errs.ValidationError(fmt.Sprintf("unknown message type %q", probe.Type), nil)
	}
	if nested && !batchable(probe.Type) {
		return nil, errs.ValidationError(fmt.Sprintf("%s cannot be batched", probe.Type), nil)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errs.ValidationError(fmt.Sprintf("decode %s", probe.Type), err)
	}
	if err := Validator().Struct(m); err != nil {
		return nil, errs.ValidationError(fmt.Sprintf("invalid %s", probe.Type), err)
	}
	if batch, ok := m.(*BatchUpdate); ok {
		batch.Members = make([]Message, 0, len(batch.Events))
		for _, raw := range batch.Events {
			member, err := decode(raw, true)
			if err != nil {
				return nil, err
			}
			batch.Members = append(batch.Members, member)
		}
	}
	return m, nil
}
