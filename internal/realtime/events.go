package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/monocle-dev/huddle/internal/models"
)

type EventName string

// Server to client.
const (
	EventRoomJoined       EventName = "room:joined"
	EventRoomLeft         EventName = "room:left"
	EventUserOnline       EventName = "user:online"
	EventUserOffline      EventName = "user:offline"
	EventPresenceUpdate   EventName = "presence:update"
	EventNotificationNew  EventName = "notification:new"
	EventNotificationRead EventName = "notification:read"
	EventError            EventName = "error"
)

// Client to server.
const (
	ClientRoomJoin       EventName = "room:join"
	ClientRoomLeave      EventName = "room:leave"
	ClientPresenceUpdate EventName = "presence:update"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is implemented by every payload that may be sent to a client. The
// set of implementations is closed: each has a fixed shape and validates
// itself before it is encoded.
type Event interface {
	Name() EventName
	Validate() error
}

type frame struct {
	Event EventName `json:"event"`
	Data  Event     `json:"data"`
}

// Encode validates ev and renders the wire frame {"event": ..., "data": ...}.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Name(), err)
	}

	raw, err := json.Marshal(frame{Event: ev.Name(), Data: ev})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Name(), err)
	}
	return raw, nil
}

var (
	errMissingRoom  = errors.New("room id is required")
	errMissingUser  = errors.New("user id is required")
	errMissingActor = errors.New("actor id is required")
)

type RoomJoined struct {
	RoomID uint `json:"roomId"`
	UserID uint `json:"userId"`
}

func (RoomJoined) Name() EventName { return EventRoomJoined }

func (e RoomJoined) Validate() error { return requireRoomUser(e.RoomID, e.UserID) }

type RoomLeft struct {
	RoomID uint `json:"roomId"`
	UserID uint `json:"userId"`
}

func (RoomLeft) Name() EventName { return EventRoomLeft }

func (e RoomLeft) Validate() error { return requireRoomUser(e.RoomID, e.UserID) }

type UserOnline struct {
	UserID uint `json:"userId"`
	RoomID uint `json:"roomId"`
}

func (UserOnline) Name() EventName { return EventUserOnline }

func (e UserOnline) Validate() error { return requireRoomUser(e.RoomID, e.UserID) }

type UserOffline struct {
	UserID uint `json:"userId"`
	RoomID uint `json:"roomId"`
}

func (UserOffline) Name() EventName { return EventUserOffline }

func (e UserOffline) Validate() error { return requireRoomUser(e.RoomID, e.UserID) }

const (
	StatusOnline = "online"
	StatusAway   = "away"
	StatusBusy   = "busy"
)

type PresenceUpdate struct {
	UserID uint   `json:"userId"`
	Status string `json:"status"`
}

func (PresenceUpdate) Name() EventName { return EventPresenceUpdate }

func (e PresenceUpdate) Validate() error {
	if e.UserID == 0 {
		return errMissingUser
	}
	return validateStatus(e.Status)
}

func validateStatus(status string) error {
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
		return nil
	default:
		return fmt.Errorf("unknown presence status %q", status)
	}
}

type NotificationNew struct {
	Notification models.Notification `json:"notification"`
}

func (NotificationNew) Name() EventName { return EventNotificationNew }

func (e NotificationNew) Validate() error {
	if e.Notification.ID == 0 || e.Notification.UserID == 0 {
		return errors.New("notification must be persisted before it is pushed")
	}
	return nil
}

type NotificationRead struct {
	NotificationIDs []uint `json:"notificationIds"`
	All             bool   `json:"all"`
}

func (NotificationRead) Name() EventName { return EventNotificationRead }

func (e NotificationRead) Validate() error {
	if !e.All && len(e.NotificationIDs) == 0 {
		return errors.New("notification ids are required unless all is set")
	}
	return nil
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

func (a Action) valid() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionDeleted
}

// TaskEvent is sent as task:created, task:updated or task:deleted.
type TaskEvent struct {
	Action  Action      `json:"-"`
	Task    models.Task `json:"task"`
	ActorID uint        `json:"actorId"`
}

func (e TaskEvent) Name() EventName { return EventName("task:" + string(e.Action)) }

func (e TaskEvent) Validate() error {
	if !e.Action.valid() {
		return fmt.Errorf("unknown task action %q", e.Action)
	}
	if e.Task.ID == 0 || e.Task.ProjectID == 0 {
		return errors.New("task id and project id are required")
	}
	if e.ActorID == 0 {
		return errMissingActor
	}
	return nil
}

// MessageEvent is sent as message:created, message:updated or message:deleted.
type MessageEvent struct {
	Action  Action         `json:"-"`
	Message models.Message `json:"message"`
	ActorID uint           `json:"actorId"`
}

func (e MessageEvent) Name() EventName { return EventName("message:" + string(e.Action)) }

func (e MessageEvent) Validate() error {
	if !e.Action.valid() {
		return fmt.Errorf("unknown message action %q", e.Action)
	}
	if e.Message.ID == 0 || e.Message.ProjectID == 0 {
		return errors.New("message id and project id are required")
	}
	if e.ActorID == 0 {
		return errMissingActor
	}
	return nil
}

// ProjectEvent is sent as project:updated or project:deleted.
type ProjectEvent struct {
	Action  Action         `json:"-"`
	Project models.Project `json:"project"`
	ActorID uint           `json:"actorId"`
}

func (e ProjectEvent) Name() EventName { return EventName("project:" + string(e.Action)) }

func (e ProjectEvent) Validate() error {
	if e.Action != ActionUpdated && e.Action != ActionDeleted {
		return fmt.Errorf("unsupported project action %q", e.Action)
	}
	if e.Project.ID == 0 {
		return errMissingRoom
	}
	if e.ActorID == 0 {
		return errMissingActor
	}
	return nil
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) Name() EventName { return EventError }

func (e ErrorEvent) Validate() error {
	if e.Code == "" {
		return errors.New("error code is required")
	}
	return nil
}

func requireRoomUser(roomID, userID uint) error {
	if roomID == 0 {
		return errMissingRoom
	}
	if userID == 0 {
		return errMissingUser
	}
	return nil
}

// inbound is a client frame; Data is decoded per event name.
type inbound struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRequest struct {
	RoomID uint `json:"roomId"`
}

type presenceRequest struct {
	Status string `json:"status"`
}
