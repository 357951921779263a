package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabspace/workspace/auth"
	"collabspace/workspace/authz"
	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
)

// ClientMessage is one frame of the subscription protocol. The id is chosen
// by the client so one channel can demultiplex many outstanding
// subscriptions.
type ClientMessage struct {
	Id     string `json:"id"`
	Route  string `json:"route"`
	Method string `json:"method"`
}

const (
	MethodSub   = "SUB"
	MethodUnsub = "UNSUB"
)

type ServerMessage struct {
	Id    string   `json:"id"`
	Event DocEvent `json:"event"`
	Error string   `json:"error,omitempty"`
}

type DocEvent struct {
	Doc any `json:"doc"`
}

type Collections struct {
	Rooms    *collection.Collection[schema.Room]
	Boards   *collection.Collection[schema.Board]
	Apps     *collection.Collection[schema.App]
	Presence *collection.Collection[schema.Presence]
}

type SocketServer struct {
	colls       Collections
	broadcaster *Broadcaster
	jwtManager  *auth.JwtManager
	engine      *authz.Engine
	users       func(uuid.UUID) (schema.User, error)

	// live counts open connections per user; presence is evicted only when
	// the last one closes, so a second tab does not go invisible.
	mu   sync.Mutex
	live map[uuid.UUID]int

	upgrader websocket.Upgrader
}

func NewSocketServer(colls Collections, broadcaster *Broadcaster, jwtManager *auth.JwtManager, engine *authz.Engine, users func(uuid.UUID) (schema.User, error)) *SocketServer {
	return &SocketServer{
		colls:       colls,
		broadcaster: broadcaster,
		jwtManager:  jwtManager,
		engine:      engine,
		users:       users,
		live:        make(map[uuid.UUID]int),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *SocketServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.Serve)
	return r
}

// conn serializes frame writes; the websocket library permits one concurrent
// writer and frames arrive from many collection listeners.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Serve authenticates the dial (token query parameter, since browsers cannot
// set headers on websocket requests) and runs the read loop until the
// connection drops.
func (s *SocketServer) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userId, err := s.jwtManager.DecodeUserJwt(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	user, err := s.users(userId)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws}
	registry := NewRegistry()
	presenceSubs := map[string]struct{}{}

	s.trackConn(user.Id)

	defer func() {
		registry.Close()
		for subId := range presenceSubs {
			s.broadcaster.RemoveClient(subId)
		}
		if s.dropConn(user.Id) == 0 {
			s.evictPresence(user.Id)
		}
		ws.Close()
	}()

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("websocket closed unexpectedly", "user_id", user.Id, "error", err)
			}
			return
		}

		switch msg.Method {
		case MethodSub:
			s.subscribe(c, registry, presenceSubs, user, msg)
		case MethodUnsub:
			registry.Delete(msg.Id)
			if _, ok := presenceSubs[msg.Id]; ok {
				s.broadcaster.RemoveClient(msg.Id)
				delete(presenceSubs, msg.Id)
			}
		default:
			_ = c.WriteJSON(ServerMessage{Id: msg.Id, Error: fmt.Sprintf("unknown method '%v'", msg.Method)})
		}
	}
}

// subscribe resolves a route prefix to its fan-out. Events from different
// collections under one logical subscription arrive in no guaranteed
// relative order; clients must tolerate forward references.
func (s *SocketServer) subscribe(c *conn, registry *Registry, presenceSubs map[string]struct{}, user schema.User, msg ClientMessage) {
	subId := msg.Id
	forward := func(docs any) {
		_ = c.WriteJSON(ServerMessage{Id: subId, Event: DocEvent{Doc: docs}})
	}

	parts := strings.Split(strings.Trim(msg.Route, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "presence":
		if !s.engine.Can(user.Role, "read", schema.PartitionPresence) {
			_ = c.WriteJSON(ServerMessage{Id: subId, Error: "forbidden"})
			return
		}
		presenceSubs[subId] = struct{}{}
		s.broadcaster.AddSubscription(subId, c)

	case len(parts) == 2 && parts[0] == "rooms":
		if !s.engine.Can(user.Role, "read", schema.PartitionRooms) {
			_ = c.WriteJSON(ServerMessage{Id: subId, Error: "forbidden"})
			return
		}
		roomId, err := uuid.Parse(parts[1])
		if err != nil {
			_ = c.WriteJSON(ServerMessage{Id: subId, Error: fmt.Sprintf("invalid room id '%v'", parts[1])})
			return
		}
		registry.Add(subId,
			s.colls.Rooms.SubscribeDoc(roomId, func(e collection.Event[schema.Room]) { forward(e.Docs) }),
			s.colls.Boards.SubscribeField("roomId", roomId.String(), func(e collection.Event[schema.Board]) { forward(e.Docs) }),
			s.colls.Apps.SubscribeField("roomId", roomId.String(), func(e collection.Event[schema.App]) { forward(e.Docs) }),
		)

	case len(parts) == 2 && parts[0] == "boards":
		if !s.engine.Can(user.Role, "read", schema.PartitionBoards) {
			_ = c.WriteJSON(ServerMessage{Id: subId, Error: "forbidden"})
			return
		}
		boardId, err := uuid.Parse(parts[1])
		if err != nil {
			_ = c.WriteJSON(ServerMessage{Id: subId, Error: fmt.Sprintf("invalid board id '%v'", parts[1])})
			return
		}
		registry.Add(subId,
			s.colls.Boards.SubscribeDoc(boardId, func(e collection.Event[schema.Board]) { forward(e.Docs) }),
			s.colls.Apps.SubscribeField("boardId", boardId.String(), func(e collection.Event[schema.App]) { forward(e.Docs) }),
		)

	default:
		_ = c.WriteJSON(ServerMessage{Id: subId, Error: fmt.Sprintf("unknown route '%v'", msg.Route)})
	}
}

func (s *SocketServer) trackConn(userId uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[userId]++
}

// dropConn returns the number of connections the user still has open.
func (s *SocketServer) dropConn(userId uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[userId]--
	if s.live[userId] <= 0 {
		delete(s.live, userId)
		return 0
	}
	return s.live[userId]
}

// evictPresence removes the user's presence documents when their last
// connection goes away; presence ownership is transient.
func (s *SocketServer) evictPresence(userId uuid.UUID) {
	docs := s.colls.Presence.Query("userId", userId.String())
	if len(docs) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.Id)
	}
	s.colls.Presence.DeleteBatch(ids)
}
