package services

import (
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"collabspace/workspace/auth"
	"collabspace/workspace/authz"
	"collabspace/workspace/cascade"
	"collabspace/workspace/collection"
	"collabspace/workspace/realtime"
	"collabspace/workspace/schema"
	"collabspace/workspace/store"
	"collabspace/workspace/tasks"
)

type Options struct {
	// SweepCooldown bounds how often the orphan-link sweep can run.
	SweepCooldown time.Duration

	// BroadcastPeriod bounds how often presence snapshots go out.
	BroadcastPeriod time.Duration
}

func (o *Options) applyDefaults() {
	if o.SweepCooldown == 0 {
		o.SweepCooldown = cascade.DefaultSweepCooldown
	}
	if o.BroadcastPeriod == 0 {
		o.BroadcastPeriod = realtime.DefaultBroadcastPeriod
	}
}

// Workspace owns every collection and service in the document backend and
// exposes them as one router. Construct it once per process.
type Workspace struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider

	rooms       *collection.Collection[schema.Room]
	boards      *collection.Collection[schema.Board]
	apps        *collection.Collection[schema.App]
	annotations *collection.Collection[schema.Annotation]
	insights    *collection.Collection[schema.Insight]
	links       *collection.Collection[schema.Link]
	presence    *collection.Collection[schema.Presence]
	roomMembers *collection.Collection[schema.RoomMember]
	assets      *collection.Collection[schema.Asset]
	plugins     *collection.Collection[schema.Plugin]

	engine       *authz.Engine
	queue        *tasks.Queue
	orchestrator *cascade.Orchestrator
	broadcaster  *realtime.Broadcaster
	socket       *realtime.SocketServer

	shadowCancels []collection.CancelFunc

	userService       *UserService
	roomService       *RoomService
	boardService      *DocumentService[schema.Board]
	appService        *DocumentService[schema.App]
	annotationService *DocumentService[schema.Annotation]
	insightService    *DocumentService[schema.Insight]
	linkService       *DocumentService[schema.Link]
	presenceService   *DocumentService[schema.Presence]
	assetService      *DocumentService[schema.Asset]
	pluginService     *DocumentService[schema.Plugin]
}

func NewWorkspace(db *gorm.DB, userAuth auth.IdentityProvider, opts Options) (*Workspace, error) {
	opts.applyDefaults()

	s := store.New(db)

	w := &Workspace{
		db:       db,
		userAuth: userAuth,

		rooms: collection.New[schema.Room](s, schema.PartitionRooms, collection.WithDefaults(func(room *schema.Room) {
			if room.Members == nil {
				room.Members = []uuid.UUID{}
			}
		})),
		boards:      collection.New[schema.Board](s, schema.PartitionBoards),
		apps:        collection.New[schema.App](s, schema.PartitionApps),
		annotations: collection.New[schema.Annotation](s, schema.PartitionAnnotations),
		insights:    collection.New[schema.Insight](s, schema.PartitionInsights),
		links:       collection.New[schema.Link](s, schema.PartitionLinks),
		presence: collection.New[schema.Presence](s, schema.PartitionPresence, collection.WithDefaults(func(p *schema.Presence) {
			if p.Status == "" {
				p.Status = schema.PresenceOnline
			}
		})),
		roomMembers: collection.New[schema.RoomMember](s, schema.PartitionRoomMembers),
		assets:      collection.New[schema.Asset](s, schema.PartitionAssets),
		plugins:     collection.New[schema.Plugin](s, schema.PartitionPlugins),
	}

	// Every board gets an annotation layer and every app an insight record;
	// both live and die with their parent.
	w.shadowCancels = append(w.shadowCancels,
		collection.Shadow(w.boards, w.annotations, "boardId", func(board schema.Document[schema.Board]) schema.Annotation {
			return schema.Annotation{BoardId: board.Id, Strokes: []any{}}
		}),
		collection.Shadow(w.apps, w.insights, "appId", func(app schema.Document[schema.App]) schema.Insight {
			return schema.Insight{AppId: app.Id, BoardId: app.Data.BoardId, Summary: map[string]any{}}
		}),
	)

	engine, err := authz.NewEngine(authz.Resolver{
		schema.PartitionRooms:  w.rooms,
		schema.PartitionBoards: w.boards,
		schema.PartitionApps:   w.apps,
	})
	if err != nil {
		return nil, fmt.Errorf("error building authorization engine: %w", err)
	}
	authz.RegisterWorkspaceRules(engine)
	w.engine = engine

	w.queue = tasks.NewQueue()
	w.orchestrator = cascade.New(cascade.Collections{
		Rooms:       w.rooms,
		Boards:      w.boards,
		Apps:        w.apps,
		Annotations: w.annotations,
		Insights:    w.insights,
		Links:       w.links,
		Assets:      w.assets,
		Plugins:     w.plugins,
		RoomMembers: w.roomMembers,
	}, w.queue, opts.SweepCooldown)

	w.broadcaster = realtime.NewBroadcaster(w.presence, opts.BroadcastPeriod)
	w.broadcaster.Init()

	w.socket = realtime.NewSocketServer(realtime.Collections{
		Rooms:    w.rooms,
		Boards:   w.boards,
		Apps:     w.apps,
		Presence: w.presence,
	}, w.broadcaster, userAuth.JwtManager(), engine, func(id uuid.UUID) (schema.User, error) {
		return schema.GetUser(id, db)
	})

	w.buildServices()

	return w, nil
}

func (w *Workspace) buildServices() {
	w.userService = &UserService{
		db:           w.db,
		userAuth:     w.userAuth,
		orchestrator: w.orchestrator,
		presence:     w.presence,
	}

	w.roomService = &RoomService{
		docs: &DocumentService[schema.Room]{
			coll:     w.rooms,
			engine:   w.engine,
			userAuth: w.userAuth,
			prepare: func(room *schema.Room, user schema.User) error {
				room.OwnerId = user.Id
				if !containsId(room.Members, user.Id) {
					room.Members = append(room.Members, user.Id)
				}
				if room.IsPrivate {
					hashed, err := auth.HashPin(room.PrivatePin)
					if err != nil {
						return err
					}
					room.PrivatePin = hashed
				}
				return nil
			},
			immutable: []string{"ownerId"},
			deleteDoc: func(id uuid.UUID) (any, bool) {
				if w.rooms.Get(id) == nil {
					return nil, false
				}
				return w.orchestrator.DeleteRoom(id), true
			},
		},
		rooms:    w.rooms,
		members:  w.roomMembers,
		engine:   w.engine,
		userAuth: w.userAuth,
	}

	w.boardService = &DocumentService[schema.Board]{
		coll:     w.boards,
		engine:   w.engine,
		userAuth: w.userAuth,
		prepare: func(board *schema.Board, user schema.User) error {
			board.OwnerId = user.Id
			return nil
		},
		createRelated: func(board schema.Board) uuid.UUID { return board.RoomId },
		immutable:     []string{"roomId", "ownerId"},
		deleteDoc: func(id uuid.UUID) (any, bool) {
			if w.boards.Get(id) == nil {
				return nil, false
			}
			return w.orchestrator.DeleteBoard(id), true
		},
	}

	w.appService = &DocumentService[schema.App]{
		coll:          w.apps,
		engine:        w.engine,
		userAuth:      w.userAuth,
		createRelated: func(app schema.App) uuid.UUID { return app.RoomId },
		immutable:     []string{"boardId", "roomId"},
	}

	// Annotations and insights live and die with their parents; clients
	// read and update them but never create or delete them directly.
	w.annotationService = &DocumentService[schema.Annotation]{
		coll:      w.annotations,
		engine:    w.engine,
		userAuth:  w.userAuth,
		derived:   true,
		immutable: []string{"boardId", "appId"},
	}
	w.insightService = &DocumentService[schema.Insight]{
		coll:      w.insights,
		engine:    w.engine,
		userAuth:  w.userAuth,
		derived:   true,
		immutable: []string{"boardId", "appId"},
	}

	w.linkService = &DocumentService[schema.Link]{
		coll:     w.links,
		engine:   w.engine,
		userAuth: w.userAuth,
	}

	w.presenceService = &DocumentService[schema.Presence]{
		coll:     w.presence,
		engine:   w.engine,
		userAuth: w.userAuth,
		prepare: func(p *schema.Presence, user schema.User) error {
			p.UserId = user.Id
			return nil
		},
	}

	w.assetService = &DocumentService[schema.Asset]{
		coll:     w.assets,
		engine:   w.engine,
		userAuth: w.userAuth,
		prepare: func(asset *schema.Asset, user schema.User) error {
			asset.OwnerId = user.Id
			return nil
		},
		immutable: []string{"ownerId"},
	}

	w.pluginService = &DocumentService[schema.Plugin]{
		coll:     w.plugins,
		engine:   w.engine,
		userAuth: w.userAuth,
	}
}

func (w *Workspace) Routes() chi.Router {
	r := chi.NewRouter()

	r.Mount("/users", w.userService.Routes())
	r.Mount("/rooms", w.roomService.Routes())
	r.Mount("/boards", w.boardService.Routes())
	r.Mount("/apps", w.appService.Routes())
	r.Mount("/annotations", w.annotationService.Routes())
	r.Mount("/insights", w.insightService.Routes())
	r.Mount("/links", w.linkService.Routes())
	r.Mount("/presence", w.presenceService.Routes())
	r.Mount("/assets", w.assetService.Routes())
	r.Mount("/plugins", w.pluginService.Routes())
	r.Mount("/realtime", w.socket.Routes())

	return r
}

// Engine exposes the authorization engine for callers that gate their own
// operations (the websocket layer uses it through NewSocketServer already).
func (w *Workspace) Engine() *authz.Engine {
	return w.engine
}

func (w *Workspace) Orchestrator() *cascade.Orchestrator {
	return w.orchestrator
}

func (w *Workspace) Shutdown() {
	for _, cancel := range w.shadowCancels {
		cancel()
	}
	w.orchestrator.Shutdown()
	w.broadcaster.Shutdown()
	w.queue.Stop()
}
