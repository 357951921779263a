// Package collection layers typed access, default templating, and change
// event fan-out on top of the document store. Each collection owns one
// partition. Event delivery preserves that collection's write order; there is
// no ordering guarantee across collections, so consumers must tolerate
// forward references (an app event may arrive before its board's).
package collection

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"collabspace/workspace/schema"
	"collabspace/workspace/store"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

type Event[T any] struct {
	Type EventType            `json:"type"`
	Docs []schema.Document[T] `json:"doc"`
}

type Handler[T any] func(Event[T])

// CancelFunc tears down a subscription. Calling it twice, or after the
// collection is gone, is a no-op.
type CancelFunc func()

type subscriber[T any] struct {
	handler Handler[T]

	// filter: nil field/doc means whole-collection.
	field string
	value string
	docId *uuid.UUID
}

type Collection[T any] struct {
	store     *store.Store
	partition string
	defaults  func(*T)

	mu      sync.Mutex
	subs    map[int]*subscriber[T]
	nextSub int
}

type Option[T any] func(*Collection[T])

// WithDefaults registers a hook that fills unset payload fields before a
// document is first persisted.
func WithDefaults[T any](fn func(*T)) Option[T] {
	return func(c *Collection[T]) {
		c.defaults = fn
	}
}

func New[T any](s *store.Store, partition string, opts ...Option[T]) *Collection[T] {
	c := &Collection[T]{
		store:     s,
		partition: partition,
		subs:      make(map[int]*subscriber[T]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collection[T]) Name() string {
	return c.partition
}

func decodeRow[T any](row schema.DocumentRow) (schema.Document[T], bool) {
	var data T
	if err := json.Unmarshal(row.Data, &data); err != nil {
		slog.Error("corrupt document payload", "partition", row.Partition, "document_id", row.Id, "error", err)
		return schema.Document[T]{}, false
	}
	return schema.Document[T]{
		Id:        row.Id,
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Data:      data,
	}, true
}

func decodeRows[T any](rows []schema.DocumentRow) []schema.Document[T] {
	docs := make([]schema.Document[T], 0, len(rows))
	for _, row := range rows {
		if doc, ok := decodeRow[T](row); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Add persists a new document and emits a CREATE event. Returns nil if the
// write failed (including an explicit id that already exists).
func (c *Collection[T]) Add(data T, creatorId uuid.UUID) *schema.Document[T] {
	return c.AddWithId(uuid.New(), data, creatorId)
}

func (c *Collection[T]) AddWithId(id uuid.UUID, data T, creatorId uuid.UUID) *schema.Document[T] {
	if c.defaults != nil {
		c.defaults(&data)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("error encoding document payload", "partition", c.partition, "error", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.store.Add(c.partition, id, creatorId, payload)
	if row == nil {
		return nil
	}

	doc, ok := decodeRow[T](*row)
	if !ok {
		return nil
	}

	c.emitLocked(Event[T]{Type: EventCreate, Docs: []schema.Document[T]{doc}})
	return &doc
}

func (c *Collection[T]) Get(id uuid.UUID) *schema.Document[T] {
	row := c.store.Get(c.partition, id)
	if row == nil {
		return nil
	}
	doc, ok := decodeRow[T](*row)
	if !ok {
		return nil
	}
	return &doc
}

func (c *Collection[T]) Query(field string, value any) []schema.Document[T] {
	rows := c.store.Query(c.partition, field, value)
	if rows == nil {
		return nil
	}
	return decodeRows[T](rows)
}

func (c *Collection[T]) All() []schema.Document[T] {
	rows := c.store.All(c.partition)
	if rows == nil {
		return nil
	}
	return decodeRows[T](rows)
}

// Update applies a shallow merge of partial onto the stored payload and emits
// an UPDATE event. Unknown ids return nil.
func (c *Collection[T]) Update(id, editorId uuid.UUID, partial map[string]any) *schema.Document[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.store.Get(c.partition, id)
	if row == nil {
		return nil
	}

	merged := map[string]any{}
	if err := json.Unmarshal(row.Data, &merged); err != nil {
		slog.Error("corrupt document payload", "partition", c.partition, "document_id", id, "error", err)
		return nil
	}
	for k, v := range partial {
		merged[k] = v
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		slog.Error("error encoding merged payload", "partition", c.partition, "document_id", id, "error", err)
		return nil
	}

	// Reject partials that do not fit the payload type before persisting.
	var check T
	if err := json.Unmarshal(payload, &check); err != nil {
		slog.Error("update partial does not match payload type", "partition", c.partition, "document_id", id, "error", err)
		return nil
	}

	updated := c.store.Update(c.partition, id, payload)
	if updated == nil {
		return nil
	}

	doc, ok := decodeRow[T](*updated)
	if !ok {
		return nil
	}

	c.emitLocked(Event[T]{Type: EventUpdate, Docs: []schema.Document[T]{doc}})
	return &doc
}

func (c *Collection[T]) Delete(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.store.Delete(c.partition, id)
	if row == nil {
		return false
	}

	doc, ok := decodeRow[T](*row)
	if !ok {
		return true
	}

	c.emitLocked(Event[T]{Type: EventDelete, Docs: []schema.Document[T]{doc}})
	return true
}

// DeleteBatch removes the ids that exist and returns their final state; ids
// that were already absent are simply missing from the result. One DELETE
// event covers the whole batch. A nil return means storage failed.
func (c *Collection[T]) DeleteBatch(ids []uuid.UUID) []schema.Document[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := c.store.DeleteBatch(c.partition, ids)
	if rows == nil {
		return nil
	}

	docs := decodeRows[T](rows)
	if len(docs) > 0 {
		c.emitLocked(Event[T]{Type: EventDelete, Docs: docs})
	}
	return docs
}

func (c *Collection[T]) Subscribe(fn Handler[T]) CancelFunc {
	return c.addSubscriber(&subscriber[T]{handler: fn})
}

// SubscribeField delivers events whose batch contains at least one document
// with the given payload field equal to value.
func (c *Collection[T]) SubscribeField(field, value string, fn Handler[T]) CancelFunc {
	return c.addSubscriber(&subscriber[T]{handler: fn, field: field, value: value})
}

func (c *Collection[T]) SubscribeDoc(id uuid.UUID, fn Handler[T]) CancelFunc {
	return c.addSubscriber(&subscriber[T]{handler: fn, docId: &id})
}

func (c *Collection[T]) addSubscriber(sub *subscriber[T]) CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.nextSub
	c.nextSub++
	c.subs[key] = sub

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, key)
		})
	}
}

// emitLocked delivers events synchronously under the collection lock so
// subscribers observe writes in order. Handlers must not write back into the
// same collection; writes to other collections are fine.
func (c *Collection[T]) emitLocked(event Event[T]) {
	for _, sub := range c.subs {
		if sub.matches(event) {
			sub.handler(event)
		}
	}
}

func (s *subscriber[T]) matches(event Event[T]) bool {
	if s.docId != nil {
		for _, doc := range event.Docs {
			if doc.Id == *s.docId {
				return true
			}
		}
		return false
	}

	if s.field != "" {
		for _, doc := range event.Docs {
			if fieldValue(doc.Data, s.field) == s.value {
				return true
			}
		}
		return false
	}

	return true
}

func fieldValue(data any, field string) string {
	payload, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	fields := map[string]any{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	value, ok := fields[field]
	if !ok {
		return ""
	}
	return fmt.Sprint(value)
}

// Fields exposes a document's payload as a flat map, for the relational
// authorization rules that compare payload fields across collections.
func (c *Collection[T]) Fields(id uuid.UUID) (map[string]any, bool) {
	row := c.store.Get(c.partition, id)
	if row == nil {
		return nil, false
	}
	fields := map[string]any{}
	if err := json.Unmarshal(row.Data, &fields); err != nil {
		return nil, false
	}
	return fields, true
}
