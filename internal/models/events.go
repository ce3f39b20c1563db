package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Action is the lifecycle action an event describes
type Action string

const (
	ActionRegister Action = "register"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionSaveData Action = "save_data"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionRegister, ActionUpdate, ActionDelete, ActionSaveData:
		return true
	}
	return false
}

// Event is the wire message describing a committed registry mutation
type Event struct {
	Action   Action          `json:"action"`
	DeviceID string          `json:"device_id"`
	Kind     Kind            `json:"kind,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// OutboxEvent is an event written in the same transaction as the mutation it describes
type OutboxEvent struct {
	ID          uint64         `json:"id" gorm:"primarykey"`
	EventID     string         `json:"event_id" gorm:"Column:event_id;size:36;not null;uniqueIndex"`
	Action      Action         `json:"action" gorm:"Column:action;size:20;not null"`
	DeviceID    string         `json:"device_id" gorm:"Column:device_id;size:50;not null;index"`
	Kind        Kind           `json:"kind" gorm:"Column:kind;size:20"`
	Payload     datatypes.JSON `json:"payload" gorm:"Column:payload;not null"`
	Published   bool           `json:"published" gorm:"Column:published;not null;default:false;index"`
	PublishedAt *time.Time     `json:"published_at" gorm:"Column:published_at"`
	Attempts    int            `json:"attempts" gorm:"Column:attempts;not null;default:0"`
	LastError   string         `json:"last_error,omitempty" gorm:"Column:last_error"`
	CreatedAt   time.Time      `json:"created_at" gorm:"Column:created_at"`
}

// Event converts the row into its wire form
func (o *OutboxEvent) Event() Event {
	data := json.RawMessage(o.Payload)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return Event{
		Action:   o.Action,
		DeviceID: o.DeviceID,
		Kind:     o.Kind,
		EventID:  o.EventID,
		Data:     data,
	}
}
