package cascade_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"collabspace/workspace/cascade"
	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
	"collabspace/workspace/store"
	"collabspace/workspace/tasks"
)

type testWorkspace struct {
	colls        cascade.Collections
	queue        *tasks.Queue
	orchestrator *cascade.Orchestrator

	shadowCancels []collection.CancelFunc
}

func setupWorkspace(t *testing.T, sweepCooldown time.Duration) *testWorkspace {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatal(err)
	}
	s := store.New(db)

	colls := cascade.Collections{
		Rooms:       collection.New[schema.Room](s, schema.PartitionRooms),
		Boards:      collection.New[schema.Board](s, schema.PartitionBoards),
		Apps:        collection.New[schema.App](s, schema.PartitionApps),
		Annotations: collection.New[schema.Annotation](s, schema.PartitionAnnotations),
		Insights:    collection.New[schema.Insight](s, schema.PartitionInsights),
		Links:       collection.New[schema.Link](s, schema.PartitionLinks),
		Assets:      collection.New[schema.Asset](s, schema.PartitionAssets),
		Plugins:     collection.New[schema.Plugin](s, schema.PartitionPlugins),
		RoomMembers: collection.New[schema.RoomMember](s, schema.PartitionRoomMembers),
	}

	w := &testWorkspace{colls: colls, queue: tasks.NewQueue()}

	w.shadowCancels = append(w.shadowCancels,
		collection.Shadow(colls.Boards, colls.Annotations, "boardId", func(board schema.Document[schema.Board]) schema.Annotation {
			return schema.Annotation{BoardId: board.Id, Strokes: []any{}}
		}),
		collection.Shadow(colls.Apps, colls.Insights, "appId", func(app schema.Document[schema.App]) schema.Insight {
			return schema.Insight{AppId: app.Id, BoardId: app.Data.BoardId, Summary: map[string]any{}}
		}),
	)

	w.orchestrator = cascade.New(colls, w.queue, sweepCooldown)

	t.Cleanup(func() {
		w.orchestrator.Shutdown()
		for _, cancel := range w.shadowCancels {
			cancel()
		}
		w.queue.Stop()
	})

	return w
}

// buildRoom creates a room with one board holding two apps, plus an asset and
// a plugin, and returns the ids involved.
func (w *testWorkspace) buildRoom(t *testing.T, owner uuid.UUID) (roomId, boardId uuid.UUID, appIds []uuid.UUID) {
	room := w.colls.Rooms.Add(schema.Room{Name: "studio", OwnerId: owner, Members: []uuid.UUID{owner}}, owner)
	if room == nil {
		t.Fatal("error creating room")
	}

	board := w.colls.Boards.Add(schema.Board{Name: "sprint", OwnerId: owner, RoomId: room.Id}, owner)
	if board == nil {
		t.Fatal("error creating board")
	}

	for i := 0; i < 2; i++ {
		app := w.colls.Apps.Add(schema.App{BoardId: board.Id, RoomId: room.Id, Type: "timer"}, owner)
		if app == nil {
			t.Fatal("error creating app")
		}
		appIds = append(appIds, app.Id)
	}

	w.colls.Assets.Add(schema.Asset{RoomId: room.Id, OwnerId: owner, Name: "logo.png"}, owner)
	w.colls.Plugins.Add(schema.Plugin{RoomId: room.Id, Name: "dice"}, owner)
	w.colls.RoomMembers.Add(schema.RoomMember{RoomId: room.Id, Members: []uuid.UUID{owner}}, owner)

	return room.Id, board.Id, appIds
}

func TestBoardCascade(t *testing.T) {
	w := setupWorkspace(t, time.Hour)
	owner := uuid.New()
	_, boardId, appIds := w.buildRoom(t, owner)

	report := w.orchestrator.DeleteBoard(boardId)

	if !report.BoardDeleted {
		t.Fatal("board not deleted")
	}
	if report.AppsDeleted != 2 {
		t.Fatalf("expected 2 apps deleted, got %d", report.AppsDeleted)
	}
	if !report.AnnotationsDeleted {
		t.Fatal("board annotation not deleted")
	}
	if report.InsightsDeleted != 2 {
		t.Fatalf("expected 2 insights deleted, got %d", report.InsightsDeleted)
	}

	if w.colls.Boards.Get(boardId) != nil {
		t.Fatal("board still present")
	}
	for _, appId := range appIds {
		if w.colls.Apps.Get(appId) != nil {
			t.Fatal("app still present")
		}
	}
	if len(w.colls.Annotations.Query("boardId", boardId.String())) != 0 {
		t.Fatal("annotations still present")
	}
}

func TestRoomCascade(t *testing.T) {
	w := setupWorkspace(t, time.Hour)
	owner := uuid.New()
	roomId, _, _ := w.buildRoom(t, owner)

	report := w.orchestrator.DeleteRoom(roomId)

	if !report.RoomDeleted {
		t.Fatal("room not deleted")
	}
	if len(report.Boards) != 1 || !report.Boards[0].BoardDeleted {
		t.Fatalf("board cascade missing from report: %+v", report.Boards)
	}
	if report.AssetsDeleted != 1 || report.PluginsDeleted != 1 {
		t.Fatalf("room contents not fully removed: %+v", report)
	}
	if !report.MembersDeleted {
		t.Fatal("member record not removed")
	}

	for _, partition := range []int{
		len(w.colls.Boards.Query("roomId", roomId.String())),
		len(w.colls.Assets.Query("roomId", roomId.String())),
		len(w.colls.Plugins.Query("roomId", roomId.String())),
		len(w.colls.RoomMembers.Query("roomId", roomId.String())),
	} {
		if partition != 0 {
			t.Fatal("cascade left documents behind")
		}
	}
}

func TestCascadeMissingTargets(t *testing.T) {
	w := setupWorkspace(t, time.Hour)

	report := w.orchestrator.DeleteBoard(uuid.New())
	if report.BoardDeleted || report.AppsDeleted != 0 {
		t.Fatalf("missing board should delete nothing: %+v", report)
	}

	roomReport := w.orchestrator.DeleteRoom(uuid.New())
	if roomReport.RoomDeleted || len(roomReport.Boards) != 0 {
		t.Fatalf("missing room should delete nothing: %+v", roomReport)
	}
}

func TestUserPurge(t *testing.T) {
	w := setupWorkspace(t, time.Hour)
	owner := uuid.New()
	other := uuid.New()

	w.buildRoom(t, owner)
	otherRoomId, _, _ := w.buildRoom(t, other)

	reports := w.orchestrator.DeleteUserRooms(owner)
	if len(reports) != 1 || !reports[0].RoomDeleted {
		t.Fatalf("expected the owner's single room purged: %+v", reports)
	}

	if w.colls.Rooms.Get(otherRoomId) == nil {
		t.Fatal("purge removed another user's room")
	}
}

func TestOrphanLinkSweep(t *testing.T) {
	w := setupWorkspace(t, time.Hour)
	owner := uuid.New()
	_, _, appIds := w.buildRoom(t, owner)

	link := w.colls.Links.Add(schema.Link{SourceAppId: appIds[0], TargetAppId: appIds[1]}, owner)

	w.orchestrator.SweepOrphanLinks()
	if w.colls.Links.Get(link.Id) == nil {
		t.Fatal("sweep removed a link between live apps")
	}

	w.colls.Apps.Delete(appIds[1])

	w.orchestrator.SweepOrphanLinks()
	if w.colls.Links.Get(link.Id) != nil {
		t.Fatal("sweep left an orphaned link behind")
	}
}

func TestAppDeleteTriggersSweep(t *testing.T) {
	w := setupWorkspace(t, 5*time.Millisecond)
	owner := uuid.New()
	_, _, appIds := w.buildRoom(t, owner)

	link := w.colls.Links.Add(schema.Link{SourceAppId: appIds[0], TargetAppId: appIds[1]}, owner)

	w.colls.Apps.Delete(appIds[0])

	deadline := time.After(time.Second)
	for w.colls.Links.Get(link.Id) != nil {
		select {
		case <-deadline:
			t.Fatal("orphaned link never converged to deleted")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
