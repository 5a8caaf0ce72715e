// Package events announces knowledge base lifecycle changes to subscribers.
// Delivery is fire-and-forget: publishers never wait for listeners.
package events

import (
	"log/slog"
	"sync"
)

// Name identifies an event kind.
type Name string

const (
	KnowledgeBaseCreated       Name = "KNOWLEDGE_BASE_CREATED"
	KnowledgeBaseUpdated       Name = "KNOWLEDGE_BASE_UPDATED"
	KnowledgeBaseDeleted       Name = "KNOWLEDGE_BASE_DELETED"
	KnowledgeDocumentProcessed Name = "KNOWLEDGE_DOCUMENT_PROCESSED"
	KnowledgeDocumentsAdded    Name = "KNOWLEDGE_DOCUMENTS_ADDED"
	KnowledgeDocumentDeleted   Name = "KNOWLEDGE_DOCUMENT_DELETED"
)

// Event is a named notification with a kind-specific payload.
type Event struct {
	Name    Name `json:"name"`
	Payload any  `json:"payload"`
}

// KnowledgeBaseDeletedPayload accompanies KnowledgeBaseDeleted.
type KnowledgeBaseDeletedPayload struct {
	ID            string `json:"id"`
	DocumentCount int    `json:"documentCount"`
}

// Progress is the position of a chunk within one ingestion.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// DocumentProcessedPayload accompanies KnowledgeDocumentProcessed.
type DocumentProcessedPayload struct {
	DocumentID      string   `json:"documentId"`
	KnowledgeBaseID string   `json:"knowledgeBaseId"`
	Progress        Progress `json:"progress"`
}

// DocumentsAddedPayload accompanies KnowledgeDocumentsAdded.
type DocumentsAddedPayload struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	Count           int    `json:"count"`
}

// DocumentDeletedPayload accompanies KnowledgeDocumentDeleted.
type DocumentDeletedPayload struct {
	DocumentID      string `json:"documentId"`
	KnowledgeBaseID string `json:"knowledgeBaseId"`
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// Bus fans events out to subscribed channels. A subscriber whose buffer is
// full misses the event; the drop is logged at debug level.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	log    *slog.Logger
}

// NewBus creates an empty bus. A nil logger means slog.Default().
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), log: log}
}

// Subscribe registers a listener with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Notify delivers e to every subscriber without blocking.
func (b *Bus) Notify(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("event dropped", "event", e.Name, "subscriber", id)
		}
	}
}
