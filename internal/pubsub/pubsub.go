// Package pubsub is the in-process fan-out hub: every broadcast message
// and audit event is handed to every registered callback on its own
// goroutine, with a recover() guard so one panicking subscriber never
// takes down the broadcast path. The hub exists regardless of which
// storage.Store backend is active.
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/rakunlabs/masc/internal/model"
)

// MessageHandler and EventHandler are invoked once per broadcast/event.
type MessageHandler func(model.Message)
type EventHandler func(model.Event)

type Hub struct {
	mu             sync.RWMutex
	messageHandlers map[int]MessageHandler
	eventHandlers   map[int]EventHandler
	nextID          int
}

func New() *Hub {
	return &Hub{
		messageHandlers: make(map[int]MessageHandler),
		eventHandlers:   make(map[int]EventHandler),
	}
}

// SubscribeMessages registers a callback and returns an unsubscribe func.
func (h *Hub) SubscribeMessages(fn MessageHandler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.messageHandlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.messageHandlers, id)
		h.mu.Unlock()
	}
}

// SubscribeEvents registers a callback and returns an unsubscribe func.
func (h *Hub) SubscribeEvents(fn EventHandler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.eventHandlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.eventHandlers, id)
		h.mu.Unlock()
	}
}

// NotifyMessage implements broadcast.Notifier.
func (h *Hub) NotifyMessage(msg model.Message) {
	h.mu.RLock()
	handlers := make([]MessageHandler, 0, len(h.messageHandlers))
	for _, fn := range h.messageHandlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		go safeCallMessage(fn, msg)
	}
}

// NotifyEvent implements broadcast.Notifier.
func (h *Hub) NotifyEvent(ev model.Event) {
	h.mu.RLock()
	handlers := make([]EventHandler, 0, len(h.eventHandlers))
	for _, fn := range h.eventHandlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		go safeCallEvent(fn, ev)
	}
}

func safeCallMessage(fn MessageHandler, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pubsub message subscriber panicked", "panic", r)
		}
	}()
	fn(msg)
}

func safeCallEvent(fn EventHandler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pubsub event subscriber panicked", "panic", r)
		}
	}()
	fn(ev)
}
