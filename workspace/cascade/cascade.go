// Package cascade preserves referential integrity when a parent entity is
// deleted: structural descendants (room -> board -> app and the shadow
// documents) are removed by a synchronous call tree that reports what
// actually happened, and non-tree cross references (links between apps) are
// pruned by a coalesced background sweep.
package cascade

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
	"collabspace/workspace/tasks"
)

const (
	DefaultSweepCooldown = 5 * time.Second
	sweepTask            = "orphan-links"
)

type Collections struct {
	Rooms       *collection.Collection[schema.Room]
	Boards      *collection.Collection[schema.Board]
	Apps        *collection.Collection[schema.App]
	Annotations *collection.Collection[schema.Annotation]
	Insights    *collection.Collection[schema.Insight]
	Links       *collection.Collection[schema.Link]
	Assets      *collection.Collection[schema.Asset]
	Plugins     *collection.Collection[schema.Plugin]
	RoomMembers *collection.Collection[schema.RoomMember]
}

type BoardReport struct {
	BoardId            uuid.UUID `json:"boardId"`
	BoardDeleted       bool      `json:"boardDeleted"`
	AppsDeleted        int       `json:"appsDeleted"`
	AnnotationsDeleted bool      `json:"annotationsDeleted"`
	InsightsDeleted    int       `json:"insightsDeleted"`
}

type RoomReport struct {
	RoomId         uuid.UUID     `json:"roomId"`
	RoomDeleted    bool          `json:"roomDeleted"`
	Boards         []BoardReport `json:"boards"`
	AssetsDeleted  int           `json:"assetsDeleted"`
	PluginsDeleted int           `json:"pluginsDeleted"`
	MembersDeleted bool          `json:"membersDeleted"`
}

type Orchestrator struct {
	colls Collections
	queue *tasks.Queue

	appCancel collection.CancelFunc
}

// New wires the orchestrator and registers the orphan-link sweep on the task
// queue. Many apps are often deleted in one user action ("clear board");
// the sweep is triggered per delete event but the queue coalesces those
// triggers into one scan per cooldown window.
func New(colls Collections, queue *tasks.Queue, sweepCooldown time.Duration) *Orchestrator {
	o := &Orchestrator{colls: colls, queue: queue}

	queue.Register(sweepTask, sweepCooldown, o.SweepOrphanLinks)
	o.appCancel = colls.Apps.Subscribe(func(event collection.Event[schema.App]) {
		if event.Type == collection.EventDelete {
			queue.Trigger(sweepTask)
		}
	})

	return o
}

func (o *Orchestrator) Shutdown() {
	if o.appCancel != nil {
		o.appCancel()
	}
}

func deleteMatching[T any](c *collection.Collection[T], field string, value string) int {
	docs := c.Query(field, value)
	if len(docs) == 0 {
		return 0
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.Id)
	}
	return len(c.DeleteBatch(ids))
}

// DeleteBoard removes a board and everything structurally under it. Steps
// are independent best-effort deletions with no rollback; the report counts
// what each step actually removed. Descendants go first so the reactive
// shadow teardown on the board's own delete event finds nothing left to do.
func (o *Orchestrator) DeleteBoard(boardId uuid.UUID) BoardReport {
	report := BoardReport{BoardId: boardId}

	report.InsightsDeleted = deleteMatching(o.colls.Insights, "boardId", boardId.String())
	report.AppsDeleted = deleteMatching(o.colls.Apps, "boardId", boardId.String())
	report.AnnotationsDeleted = deleteMatching(o.colls.Annotations, "boardId", boardId.String()) > 0
	report.BoardDeleted = o.colls.Boards.Delete(boardId)

	slog.Info("board cascade complete", "board_id", boardId,
		"apps_deleted", report.AppsDeleted, "insights_deleted", report.InsightsDeleted)

	return report
}

// DeleteRoom removes a room, every board in it (via DeleteBoard), the room's
// assets, plugins, and its member record.
func (o *Orchestrator) DeleteRoom(roomId uuid.UUID) RoomReport {
	report := RoomReport{RoomId: roomId, Boards: []BoardReport{}}

	for _, board := range o.colls.Boards.Query("roomId", roomId.String()) {
		report.Boards = append(report.Boards, o.DeleteBoard(board.Id))
	}

	report.AssetsDeleted = deleteMatching(o.colls.Assets, "roomId", roomId.String())
	report.PluginsDeleted = deleteMatching(o.colls.Plugins, "roomId", roomId.String())
	report.MembersDeleted = deleteMatching(o.colls.RoomMembers, "roomId", roomId.String()) > 0
	report.RoomDeleted = o.colls.Rooms.Delete(roomId)

	slog.Info("room cascade complete", "room_id", roomId, "boards_deleted", len(report.Boards))

	return report
}

// DeleteUserRooms purges every room the user owns; used on account removal.
func (o *Orchestrator) DeleteUserRooms(userId uuid.UUID) []RoomReport {
	reports := []RoomReport{}
	for _, room := range o.colls.Rooms.Query("ownerId", userId.String()) {
		reports = append(reports, o.DeleteRoom(room.Id))
	}
	return reports
}

func (o *Orchestrator) DeleteUserBoards(userId uuid.UUID) []BoardReport {
	reports := []BoardReport{}
	for _, board := range o.colls.Boards.Query("ownerId", userId.String()) {
		reports = append(reports, o.DeleteBoard(board.Id))
	}
	return reports
}

func (o *Orchestrator) DeleteUserAssets(userId uuid.UUID) int {
	return deleteMatching(o.colls.Assets, "ownerId", userId.String())
}

// SweepOrphanLinks scans every link against the surviving app ids and batch
// deletes any link whose source or target is gone. Runs to completion once
// started; only its scheduling coalesces.
func (o *Orchestrator) SweepOrphanLinks() {
	links := o.colls.Links.All()
	if len(links) == 0 {
		return
	}

	valid := map[uuid.UUID]struct{}{}
	for _, app := range o.colls.Apps.All() {
		valid[app.Id] = struct{}{}
	}

	orphaned := []uuid.UUID{}
	for _, link := range links {
		_, sourceOk := valid[link.Data.SourceAppId]
		_, targetOk := valid[link.Data.TargetAppId]
		if !sourceOk || !targetOk {
			orphaned = append(orphaned, link.Id)
		}
	}

	if len(orphaned) == 0 {
		return
	}

	deleted := o.colls.Links.DeleteBatch(orphaned)
	slog.Info("orphan link sweep complete", "links_deleted", len(deleted))
}
