// events.go: CloudEvents notifications for the module load lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of every loader event.
const EventSource = "github.com/agilira/go-modloader"

// Event types emitted by the loader.
const (
	EventLoadSucceeded      = "com.agilira.modloader.load.succeeded"
	EventLoadFailed         = "com.agilira.modloader.load.failed"
	EventLoadRetried        = "com.agilira.modloader.load.retried"
	EventLoadRejected       = "com.agilira.modloader.load.rejected"
	EventModuleInserted     = "com.agilira.modloader.module.inserted"
	EventModuleRemoved      = "com.agilira.modloader.module.removed"
	EventApplicationStarted = "com.agilira.modloader.application.started"
)

// LoadEventData is the JSON payload of loader events.
type LoadEventData struct {
	Module  string `json:"module"`
	Version int    `json:"version"`
	Stage   string `json:"stage,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventObserver receives loader events.
type EventObserver func(event cloudevents.Event)

// NewLoadEvent builds a loader CloudEvent and validates it.
func NewLoadEvent(eventType string, data LoadEventData) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(EventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	event.SetSubject(data.Module)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return event, fmt.Errorf("failed to encode event data: %w", err)
	}
	if data.Stage != "" {
		event.SetExtension("stage", data.Stage)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// eventBus fans events out to observers, one goroutine per delivery.
type eventBus struct {
	mu        sync.RWMutex
	observers []EventObserver
	logger    Logger
}

func newEventBus(logger Logger) *eventBus {
	return &eventBus{logger: logger}
}

func (b *eventBus) subscribe(o EventObserver) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *eventBus) emit(eventType string, data LoadEventData) {
	b.mu.RLock()
	observers := make([]EventObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	event, err := NewLoadEvent(eventType, data)
	if err != nil {
		b.logger.Warn("Dropping loader event", "type", eventType, "module", data.Module, "error", err)
		return
	}
	for _, o := range observers {
		SafeGo(b.logger, func() { o(event) })
	}
}
