// Package cloudevent adapts CloudEvents into fluxcore's Action/Event
// vocabulary, so a store's reducer and handlers can consume and emit
// CloudEvents-formatted payloads without fluxcore itself depending on the
// CloudEvents SDK.
package cloudevent

import (
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/fluxcore-go/fluxcore"
)

// Action wraps a CloudEvents event as a fluxcore.Action, letting a reducer
// branch on CloudEvent().Type() the way it would on a Go type switch.
type Action struct {
	fluxcore.BaseAction
	CloudEvent cloudevents.Event
}

// Event wraps a CloudEvents event as a fluxcore.Event.
type Event struct {
	fluxcore.BaseEvent
	CloudEvent cloudevents.Event
}

// New builds a CloudEvents event with the required attributes set: a UUIDv7
// ID (time-ordered, falling back to v4 if v7 generation fails), source,
// type, timestamp, and spec version. data, if non-nil, is attached as
// application/json; metadata entries become CloudEvents extensions.
func New(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	evt := cloudevents.NewEvent()
	evt.SetID(generateID())
	evt.SetSource(source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	evt.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = evt.SetData(cloudevents.ApplicationJSON, data)
	}
	for k, v := range metadata {
		evt.SetExtension(k, v)
	}
	return evt
}

// NewAction is New wrapped as a fluxcore.Action.
func NewAction(eventType, source string, data any, metadata map[string]any) Action {
	return Action{CloudEvent: New(eventType, source, data, metadata)}
}

// NewEvent is New wrapped as a fluxcore.Event.
func NewEvent(eventType, source string, data any, metadata map[string]any) Event {
	return Event{CloudEvent: New(eventType, source, data, metadata)}
}

func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Validate checks evt against the CloudEvents 1.0 spec via the SDK's
// built-in validator.
func Validate(evt cloudevents.Event) error {
	if evt.Source() == "" {
		return ErrNoSource
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("cloudevent validation failed: %w", err)
	}
	return nil
}

// ErrNoSource is returned by Validate when the event has no source set —
// kept as a sentinel so callers can errors.Is against it rather than
// string-matching.
var ErrNoSource = errors.New("cloudevent: no source set")
