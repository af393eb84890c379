package events

import (
	"encoding/json"
	"maps"
)

// Type tags a message so consumers can pick out the ones they care about.
type Type string

const (
	TypePreferenceChange Type = "PC"
	TypeCaliperEvent     Type = "CE"
	TypeAutosave         Type = "AS"
)

// Preferences is a reader's presentation settings (font, spacing, theme,
// text-to-speech, glossary...) keyed by preference name.
type Preferences map[string]any

// Merge returns a new set with over applied on top of p. Neither input is modified.
func (p Preferences) Merge(over Preferences) Preferences {
	out := make(Preferences, len(p)+len(over))
	maps.Copy(out, p)
	maps.Copy(out, over)
	return out
}

// ReaderInfo describes the publication currently open in the reader. It is
// supplied by the viewer and attached read-only to telemetry and autosave
// messages.
type ReaderInfo struct {
	PublicationID      string `json:"publicationId,omitempty"`
	PublicationVersion int    `json:"publicationVersion,omitempty"`
	Location           string `json:"location,omitempty"`
}

// Message is an application payload placed on a queue.
type Message struct {
	Type Type `json:"type"`

	// PC
	Preferences Preferences `json:"preferences,omitempty"`

	// CE
	EventType string `json:"eventType,omitempty"`
	Control   string `json:"control,omitempty"`

	// AS
	Key string `json:"key,omitempty"`

	// CE and AS
	Value      json.RawMessage `json:"value,omitempty"`
	ReaderInfo *ReaderInfo     `json:"readerInfo,omitempty"`
}

// PreferenceChange builds a PC message carrying a full preference set.
func PreferenceChange(p Preferences) Message {
	return Message{Type: TypePreferenceChange, Preferences: p}
}

// CaliperEvent builds a CE telemetry message.
func CaliperEvent(eventType, control string, value json.RawMessage, info *ReaderInfo) Message {
	return Message{
		Type:       TypeCaliperEvent,
		EventType:  eventType,
		Control:    control,
		Value:      value,
		ReaderInfo: info,
	}
}

// Autosave builds an AS message storing value under key.
func Autosave(key string, value json.RawMessage, info *ReaderInfo) Message {
	return Message{Type: TypeAutosave, Key: key, Value: value, ReaderInfo: info}
}
