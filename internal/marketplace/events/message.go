package events

import (
	"time"
)

type MessageType string

const (
	MessageTypeTaskCreated        MessageType = "TASK_CREATED"
	MessageTypeTaskStatusChanged  MessageType = "TASK_STATUS_CHANGED"
	MessageTypeAssignmentUpdated  MessageType = "ASSIGNMENT_UPDATED"
	MessageTypeSubmissionCreated  MessageType = "SUBMISSION_CREATED"
	MessageTypeSubmissionReviewed MessageType = "SUBMISSION_REVIEWED"

	MessageTypePing  MessageType = "PING"
	MessageTypePong  MessageType = "PONG"
	MessageTypeError MessageType = "ERROR"
)

// Message is the frame written to websocket clients.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event is a marketplace change addressed to a set of users.
type Event struct {
	Type       MessageType
	Recipients []string
	Data       *TaskEventData
}

type TaskEventData struct {
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError, &ErrorData{Code: code, Message: message})
}

// Publisher fans marketplace events out to interested users.
type Publisher interface {
	Publish(evt Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

func userRoom(userID string) string {
	return "user:" + userID
}
