package realtime

import (
	"log/slog"
	"time"

	"sync"

	"github.com/google/uuid"

	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
	"collabspace/workspace/tasks"
)

// DefaultBroadcastPeriod bounds presence fan-out to roughly 15 snapshots per
// second regardless of write rate.
const DefaultBroadcastPeriod = 1000 / 15 * time.Millisecond

// Conn is the outbound half of a subscriber connection. Writes may fail at
// any time; the broadcaster treats a failed write as the connection being
// gone.
type Conn interface {
	WriteJSON(v any) error
}

// Broadcaster mirrors the presence collection in memory and republishes a
// filtered snapshot on its own clock. Cursor and status writes arrive at
// arbitrary frequency; broadcasting each one to N subscribers would cost
// O(writes x N). Decoupling mirror updates from broadcasts bounds the cost
// to a fixed rate, delivering only the latest snapshot. That is safe for
// presence because it is convergent last-value state, not an event log.
type Broadcaster struct {
	presence *collection.Collection[schema.Presence]
	throttle *tasks.Throttle

	mu          sync.Mutex
	initialized bool
	mirror      []schema.Document[schema.Presence]
	targets     map[string]Conn
	cancel      collection.CancelFunc
}

func NewBroadcaster(presence *collection.Collection[schema.Presence], period time.Duration) *Broadcaster {
	b := &Broadcaster{
		presence: presence,
		targets:  make(map[string]Conn),
	}
	b.throttle = tasks.NewThrottle(period, b.SendUpdates)
	return b
}

// Init subscribes to the presence change stream and then loads the snapshot
// into the mirror. Subscribing first means a write racing startup either
// lands in the snapshot (its store write precedes the load) or blocks on the
// mirror lock and re-applies on top of it; apply upserts, so neither path
// duplicates a document. Calling Init twice is a no-op.
func (b *Broadcaster) Init() {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return
	}
	b.initialized = true
	b.mu.Unlock()

	b.cancel = b.presence.Subscribe(b.apply)

	b.mu.Lock()
	b.mirror = b.presence.All()
	b.mu.Unlock()
}

func (b *Broadcaster) Shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
	b.throttle.Stop()
}

func (b *Broadcaster) apply(event collection.Event[schema.Presence]) {
	b.mu.Lock()
	switch event.Type {
	case collection.EventCreate, collection.EventUpdate:
		for _, doc := range event.Docs {
			b.upsertLocked(doc)
		}
	case collection.EventDelete:
		deleted := make(map[uuid.UUID]struct{}, len(event.Docs))
		for _, doc := range event.Docs {
			deleted[doc.Id] = struct{}{}
		}
		kept := b.mirror[:0]
		for _, doc := range b.mirror {
			if _, gone := deleted[doc.Id]; !gone {
				kept = append(kept, doc)
			}
		}
		b.mirror = kept
	}
	b.mu.Unlock()

	b.throttle.Trigger()
}

func (b *Broadcaster) upsertLocked(doc schema.Document[schema.Presence]) {
	for i := range b.mirror {
		if b.mirror[i].Id == doc.Id {
			b.mirror[i] = doc
			return
		}
	}
	b.mirror = append(b.mirror, doc)
}

func (b *Broadcaster) AddSubscription(subId string, conn Conn) {
	b.mu.Lock()
	b.targets[subId] = conn
	b.mu.Unlock()

	// New subscribers get a snapshot without waiting for the next write.
	b.throttle.Trigger()
}

// RemoveClient drops a broadcast target. Unknown ids are a no-op.
func (b *Broadcaster) RemoveClient(subId string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, subId)
}

// SendUpdates pushes the current online-only snapshot to every target.
// Targets whose write fails are evicted on the spot; a half-closed
// connection may never deliver a close signal, so cleanup happens lazily at
// send time.
func (b *Broadcaster) SendUpdates() {
	b.mu.Lock()
	online := make([]schema.Document[schema.Presence], 0, len(b.mirror))
	for _, doc := range b.mirror {
		if doc.Data.Status == schema.PresenceOnline {
			online = append(online, doc)
		}
	}
	targets := make(map[string]Conn, len(b.targets))
	for subId, conn := range b.targets {
		targets[subId] = conn
	}
	b.mu.Unlock()

	stale := []string{}
	for subId, conn := range targets {
		message := ServerMessage{Id: subId, Event: DocEvent{Doc: online}}
		if err := conn.WriteJSON(message); err != nil {
			slog.Info("evicting unwritable presence subscriber", "sub_id", subId, "error", err)
			stale = append(stale, subId)
		}
	}

	for _, subId := range stale {
		b.RemoveClient(subId)
	}
}
