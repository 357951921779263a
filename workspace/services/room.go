package services

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"collabspace/utils"
	"collabspace/workspace/auth"
	"collabspace/workspace/authz"
	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
)

// RoomService layers membership routes on top of the generic room CRUD
// surface. Room deletion goes through the cascade orchestrator, which the
// underlying DocumentService is configured with.
type RoomService struct {
	docs     *DocumentService[schema.Room]
	rooms    *collection.Collection[schema.Room]
	members  *collection.Collection[schema.RoomMember]
	engine   *authz.Engine
	userAuth auth.IdentityProvider
}

func (s *RoomService) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.userAuth.AuthMiddleware()...)

	s.docs.Register(r)
	r.Post("/{document_id}/join", s.Join)

	return r
}

type joinRoomRequest struct {
	Pin string `json:"pin"`
}

// Join adds the caller to a room's member list. Joining a room the caller is
// already a member of succeeds without modifying anything. Private rooms
// require the correct pin.
func (s *RoomService) Join(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	roomId, err := utils.URLParamUUID(r, "document_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.engine.Can(user.Role, "join", s.rooms.Name()) {
		http.Error(w, fmt.Sprintf("role %v may not join rooms", user.Role), http.StatusForbidden)
		return
	}

	var params joinRoomRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	room := s.rooms.Get(roomId)
	if room == nil {
		http.Error(w, fmt.Sprintf("no room with id %v", roomId), http.StatusNotFound)
		return
	}

	if containsId(room.Data.Members, user.Id) {
		s.syncMemberRecord(roomId, room.Data.Members, user.Id)
		utils.WriteJsonResponse(w, room)
		return
	}

	if room.Data.IsPrivate && !auth.CheckPin(room.Data.PrivatePin, params.Pin) {
		http.Error(w, fmt.Sprintf("incorrect pin for private room %v", roomId), http.StatusForbidden)
		return
	}

	newMembers := append(append([]uuid.UUID{}, room.Data.Members...), user.Id)

	updated := s.rooms.Update(roomId, user.Id, map[string]any{"members": newMembers})
	if updated == nil {
		http.Error(w, fmt.Sprintf("error joining room %v", roomId), http.StatusInternalServerError)
		return
	}

	s.syncMemberRecord(roomId, newMembers, user.Id)

	utils.WriteJsonResponse(w, updated)
}

// syncMemberRecord keeps the standalone membership document in step with the
// room's member list, creating it lazily for rooms made before any join.
func (s *RoomService) syncMemberRecord(roomId uuid.UUID, members []uuid.UUID, editorId uuid.UUID) {
	existing := s.members.Query("roomId", roomId.String())
	if len(existing) == 0 {
		s.members.Add(schema.RoomMember{RoomId: roomId, Members: members}, editorId)
		return
	}
	s.members.Update(existing[0].Id, editorId, map[string]any{"members": members})
}

func containsId(ids []uuid.UUID, target uuid.UUID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
