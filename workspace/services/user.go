package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"collabspace/utils"
	"collabspace/workspace/auth"
	"collabspace/workspace/cascade"
	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
)

type UserService struct {
	db           *gorm.DB
	userAuth     auth.IdentityProvider
	orchestrator *cascade.Orchestrator
	presence     *collection.Collection[schema.Presence]
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/signup", s.Signup)
	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Get("/list", s.List)
		r.Post("/{user_id}/role", s.UpdateRole)
		r.Delete("/{user_id}", s.Delete)
	})

	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password, schema.RoleUser)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, auth.ErrEmailAlreadyInUse) || errors.Is(err, auth.ErrUsernameAlreadyInUse) {
			code = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), code)
		return
	}

	slog.Info("new user signed up", "user_id", userId, "username", params.Username)

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.userAuth.LoginWithEmail(params.Email, params.Password)
	if err != nil {
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusUnauthorized)
		return
	}

	utils.WriteJsonResponse(w, result)
}

type userInfo struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, userInfo{Id: user.Id, Username: user.Username, Email: user.Email, Role: user.Role})
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !user.IsAdmin() {
		http.Error(w, "only admins can list users", http.StatusForbidden)
		return
	}

	var users []schema.User
	if err := s.db.Find(&users).Error; err != nil {
		slog.Error("sql error listing users", "error", err)
		http.Error(w, "error listing users", http.StatusInternalServerError)
		return
	}

	infos := make([]userInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, userInfo{Id: u.Id, Username: u.Username, Email: u.Email, Role: u.Role})
	}

	utils.WriteJsonResponse(w, infos)
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (s *UserService) UpdateRole(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !user.IsAdmin() {
		http.Error(w, "only admins can change user roles", http.StatusForbidden)
		return
	}

	targetId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !schema.ValidRole(params.Role) {
		http.Error(w, fmt.Sprintf("invalid user role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		target, err := schema.GetUser(targetId, txn)
		if err != nil {
			return CodedError(err, http.StatusNotFound)
		}
		target.Role = params.Role
		if err := txn.Save(&target).Error; err != nil {
			slog.Error("sql error updating user role", "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating role: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("user role updated", "user_id", targetId, "role", params.Role, "by", user.Id)

	utils.WriteSuccess(w)
}

type purgeResponse struct {
	Rooms         []cascade.RoomReport  `json:"rooms"`
	Boards        []cascade.BoardReport `json:"boards"`
	AssetsDeleted int                   `json:"assetsDeleted"`
}

// Delete removes a user account along with every room, board, and asset the
// user owns. Users may delete their own account; admins may delete anyone's.
func (s *UserService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	targetId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if targetId != user.Id && !user.IsAdmin() {
		http.Error(w, "users can only delete their own account", http.StatusForbidden)
		return
	}

	if _, err := schema.GetUser(targetId, s.db); err != nil {
		http.Error(w, fmt.Sprintf("no user with id %v", targetId), http.StatusNotFound)
		return
	}

	report := purgeResponse{
		Rooms:         s.orchestrator.DeleteUserRooms(targetId),
		Boards:        s.orchestrator.DeleteUserBoards(targetId),
		AssetsDeleted: s.orchestrator.DeleteUserAssets(targetId),
	}

	for _, doc := range s.presence.Query("userId", targetId.String()) {
		s.presence.Delete(doc.Id)
	}

	if err := s.db.Delete(&schema.User{Id: targetId}).Error; err != nil {
		slog.Error("sql error deleting user", "error", err)
		http.Error(w, "error deleting user", http.StatusInternalServerError)
		return
	}

	slog.Info("user account purged", "user_id", targetId, "by", user.Id)

	utils.WriteJsonResponse(w, report)
}
