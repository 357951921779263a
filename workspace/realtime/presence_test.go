package realtime_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"collabspace/workspace/collection"
	"collabspace/workspace/realtime"
	"collabspace/workspace/schema"
	"collabspace/workspace/store"
)

func setupPresence(t *testing.T) *collection.Collection[schema.Presence] {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return collection.New[schema.Presence](store.New(db), schema.PartitionPresence)
}

type fakeConn struct {
	mu       sync.Mutex
	messages []realtime.ServerMessage
	fail     bool
	attempts int
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.fail {
		return errors.New("connection gone")
	}
	c.messages = append(c.messages, v.(realtime.ServerMessage))
	return nil
}

func (c *fakeConn) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConn) lastSnapshot(t *testing.T) []schema.Document[schema.Presence] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		t.Fatal("no messages received")
	}
	snapshot, ok := c.messages[len(c.messages)-1].Event.Doc.([]schema.Document[schema.Presence])
	if !ok {
		t.Fatalf("unexpected snapshot payload: %T", c.messages[len(c.messages)-1].Event.Doc)
	}
	return snapshot
}

func waitForMessages(t *testing.T, conn *fakeConn, want int) {
	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages, saw %d", want, conn.messageCount())
		default:
			if conn.messageCount() >= want {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestInitSeesWritesRacingStartup(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	broadcaster := realtime.NewBroadcaster(presence, time.Millisecond)
	defer broadcaster.Shutdown()

	// Writes landing while Init runs must end up in the mirror exactly once,
	// whichever side of the snapshot load they fall on.
	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			presence.Add(schema.Presence{UserId: uuid.New(), Status: schema.PresenceOnline}, userId)
		}()
	}
	broadcaster.Init()
	wg.Wait()

	conn := &fakeConn{}
	broadcaster.AddSubscription("sub-1", conn)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout: snapshot never contained all %d startup writes", writers)
		default:
		}
		if conn.messageCount() > 0 {
			snapshot := conn.lastSnapshot(t)
			if len(snapshot) > writers {
				t.Fatalf("mirror holds %d entries for %d writes", len(snapshot), writers)
			}
			if len(snapshot) == writers {
				seen := map[uuid.UUID]struct{}{}
				for _, doc := range snapshot {
					if _, dup := seen[doc.Id]; dup {
						t.Fatalf("duplicate mirror entry for document %v", doc.Id)
					}
					seen[doc.Id] = struct{}{}
				}
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscriberGetsOnlineOnlySnapshot(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	presence.Add(schema.Presence{UserId: userId, Status: schema.PresenceOnline}, userId)
	presence.Add(schema.Presence{UserId: uuid.New(), Status: "away"}, userId)

	broadcaster := realtime.NewBroadcaster(presence, 5*time.Millisecond)
	broadcaster.Init()
	defer broadcaster.Shutdown()

	conn := &fakeConn{}
	broadcaster.AddSubscription("sub-1", conn)

	waitForMessages(t, conn, 1)

	snapshot := conn.lastSnapshot(t)
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 online entry, got %d", len(snapshot))
	}
	if snapshot[0].Data.UserId != userId {
		t.Fatalf("snapshot holds wrong user: %+v", snapshot[0].Data)
	}
}

func TestSnapshotTracksStatusChanges(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	doc := presence.Add(schema.Presence{UserId: userId, Status: schema.PresenceOnline}, userId)

	broadcaster := realtime.NewBroadcaster(presence, 5*time.Millisecond)
	broadcaster.Init()
	defer broadcaster.Shutdown()

	conn := &fakeConn{}
	broadcaster.AddSubscription("sub-1", conn)
	waitForMessages(t, conn, 1)

	presence.Update(doc.Id, userId, map[string]any{"status": "away"})

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for empty snapshot after status change")
		default:
		}
		if conn.messageCount() > 0 && len(conn.lastSnapshot(t)) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcastRateIsBounded(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	doc := presence.Add(schema.Presence{UserId: userId, Status: schema.PresenceOnline}, userId)

	broadcaster := realtime.NewBroadcaster(presence, 50*time.Millisecond)
	broadcaster.Init()
	defer broadcaster.Shutdown()

	conn := &fakeConn{}
	broadcaster.AddSubscription("sub-1", conn)
	waitForMessages(t, conn, 1)

	const writes = 40
	for i := 0; i < writes; i++ {
		presence.Update(doc.Id, userId, map[string]any{"cursor": map[string]float64{"x": float64(i)}})
	}

	time.Sleep(200 * time.Millisecond)

	// The burst lands within a handful of throttle windows; far fewer
	// snapshots than writes should have gone out.
	if count := conn.messageCount(); count >= writes/2 {
		t.Fatalf("broadcast rate not bounded: %d messages for %d writes", count, writes)
	}
	if conn.messageCount() < 2 {
		t.Fatal("trailing snapshot never delivered")
	}
}

func TestFailedWriterIsEvicted(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	broadcaster := realtime.NewBroadcaster(presence, time.Millisecond)
	broadcaster.Init()
	defer broadcaster.Shutdown()

	healthy := &fakeConn{}
	broken := &fakeConn{fail: true}
	broadcaster.AddSubscription("healthy", healthy)
	broadcaster.AddSubscription("broken", broken)

	presence.Add(schema.Presence{UserId: userId, Status: schema.PresenceOnline}, userId)
	waitForMessages(t, healthy, 1)

	attemptsAfterEviction := broken.attemptCount()

	for i := 0; i < 5; i++ {
		presence.Add(schema.Presence{UserId: uuid.New(), Status: schema.PresenceOnline}, userId)
		time.Sleep(5 * time.Millisecond)
	}

	waitForMessages(t, healthy, 2)
	if broken.attemptCount() > attemptsAfterEviction+1 {
		t.Fatalf("broken connection still receiving writes after eviction: %d attempts", broken.attemptCount())
	}
}

func TestRemoveClientStopsDelivery(t *testing.T) {
	presence := setupPresence(t)
	userId := uuid.New()

	broadcaster := realtime.NewBroadcaster(presence, time.Millisecond)
	broadcaster.Init()
	defer broadcaster.Shutdown()

	conn := &fakeConn{}
	broadcaster.AddSubscription("sub-1", conn)
	waitForMessages(t, conn, 1)

	broadcaster.RemoveClient("sub-1")
	time.Sleep(10 * time.Millisecond)
	countAfterRemove := conn.messageCount()

	presence.Add(schema.Presence{UserId: userId, Status: schema.PresenceOnline}, userId)
	time.Sleep(20 * time.Millisecond)

	if conn.messageCount() != countAfterRemove {
		t.Fatalf("removed client still receiving snapshots: %d -> %d", countAfterRemove, conn.messageCount())
	}
}
