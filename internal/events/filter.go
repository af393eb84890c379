package events

import (
	"encoding/json"
	"errors"
)

var (
	ErrEmptyType          = errors.New("type field is empty")
	ErrUnknownType        = errors.New("message type not accepted by filter")
	ErrMissingPreferences = errors.New("preference change without preferences")
	ErrMissingKey         = errors.New("autosave without key")
	ErrMissingEventType   = errors.New("caliper event without eventType")
)

// AcceptedTypes is the list of message types producers may submit.
var AcceptedTypes = map[Type]bool{
	TypePreferenceChange: true,
	TypeCaliperEvent:     true,
	TypeAutosave:         true,
}

// Filter decodes and validates a producer-submitted message.
// Returns the message if it passes, or an error if it doesn't.
func Filter(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the per-type required fields of msg.
func Validate(msg Message) error {
	if msg.Type == "" {
		return ErrEmptyType
	}
	if !AcceptedTypes[msg.Type] {
		return ErrUnknownType
	}

	switch msg.Type {
	case TypePreferenceChange:
		if msg.Preferences == nil {
			return ErrMissingPreferences
		}
	case TypeAutosave:
		if msg.Key == "" {
			return ErrMissingKey
		}
	case TypeCaliperEvent:
		if msg.EventType == "" {
			return ErrMissingEventType
		}
	}
	return nil
}
