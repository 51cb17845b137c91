// Package event provides the in-process event bus over which Meltforge's
// services publish job and plugin lifecycle updates. Each interested
// service registers a handler for the events it cares about; publishers
// never call other services directly.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/meltforge/meltforge/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		mu           sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	// PluginLoadedEvent and PluginUnloadedEvent carry the plugin name.
	PluginLoadedEvent   Event = "plugin:loaded"
	PluginUnloadedEvent Event = "plugin:unloaded"

	// JobUpdateEvent and JobCompleteEvent carry the job ID.
	JobUpdateEvent   Event = "job:update"
	JobCompleteEvent Event = "job:complete"

	// JobProgressEvent carries a ProgressPayload.
	JobProgressEvent Event = "job:update:progress"

	// QueueUpdateEvent carries the queued item ID.
	QueueUpdateEvent Event = "queue:update"
)

// ProgressPayload is the payload for JobProgressEvent messages. It is a
// snapshot of the most recent progress frame reported by the plugin
// executing the job.
type ProgressPayload struct {
	JobID   int64
	Percent float64
	Frame   string
	Speed   string
}

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event
// messages on the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the
// handler channel, then the thread dispatching the event will also be BLOCKED. It is
// recommended to buffer the handler channels appropriately to avoid dispatcher-side
// blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mu.Lock()
	defer handler.mu.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be
// called synchronously with the payload whenever the event is dispatched. The handle
// provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be
// stored and called inside of a goroutine when the event is dispatched. The speed at
// which this handle runs is not important to the event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mu.Lock()
	defer handler.mu.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and delivers the payload to every
// handler registered for the event. Note that this method WILL block if a
// synchronous handler function is blocking, or if channel handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mu.RLock()
	fnHandles := handler.fnHandlers[event]
	chanHandles := handler.chanHandlers[event]
	handler.mu.RUnlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if len(chanHandles) > 0 {
		message := HandlerEvent{event, payload}
		for _, handle := range chanHandles {
			handle <- message
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event
// specified. An error is returned if the payload is not valid; the event is
// not delivered in that case.
func validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case PluginLoadedEvent, PluginUnloadedEvent:
		if _, ok := payload.(string); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected plugin name string", payloadTypeName, event)
		}
		return nil
	case JobUpdateEvent, JobCompleteEvent, QueueUpdateEvent:
		if _, ok := payload.(int64); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected int64 job ID", payloadTypeName, event)
		}
		return nil
	case JobProgressEvent:
		if _, ok := payload.(ProgressPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected ProgressPayload", payloadTypeName, event)
		}
		return nil
	}

	return errors.New("event type not recognized for validation")
}
