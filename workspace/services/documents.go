package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"collabspace/utils"
	"collabspace/workspace/auth"
	"collabspace/workspace/authz"
	"collabspace/workspace/collection"
	"collabspace/workspace/schema"
)

// DocumentService is the generic CRUD surface for one collection. Every
// handler authorizes before touching the collection; domain-specific
// services (rooms, boards, users) layer their own routes on top of it.
type DocumentService[T any] struct {
	coll     *collection.Collection[T]
	engine   *authz.Engine
	userAuth auth.IdentityProvider

	// derived collections (shadow documents) have a system-managed
	// lifecycle: clients may read and update them but never create or
	// delete them.
	derived bool

	// prepare fills principal-derived payload fields before a create.
	prepare func(*T, schema.User) error

	// createRelated extracts the related-resource id that create rules are
	// evaluated against (e.g. the target room of a new board).
	createRelated func(T) uuid.UUID

	// immutable payload fields are rejected in update partials.
	immutable []string

	// deleteDoc overrides single-document deletion (cascade entry points).
	// The returned payload is the response body.
	deleteDoc func(uuid.UUID) (any, bool)
}

func (s *DocumentService[T]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.userAuth.AuthMiddleware()...)
	s.Register(r)
	return r
}

// Register installs the CRUD handlers on an existing router so wrapping
// services can add their own routes next to them.
func (s *DocumentService[T]) Register(r chi.Router) {
	r.Get("/", s.List)
	r.Get("/{document_id}", s.GetDoc)
	r.Put("/", s.UpdateBatch)
	r.Put("/{document_id}", s.UpdateDoc)

	if s.derived {
		return
	}

	r.Post("/", s.Create)
	r.Delete("/", s.DeleteBatch)
	r.Delete("/{document_id}", s.DeleteDoc)
}

type docsResponse[T any] struct {
	Docs []schema.Document[T] `json:"docs"`
}

func (s *DocumentService[T]) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	field := r.URL.Query().Get("field")
	value := r.URL.Query().Get("value")

	if field == "" {
		if !s.engine.Can(user.Role, "read", s.coll.Name()) {
			http.Error(w, fmt.Sprintf("role %v may not read %v", user.Role, s.coll.Name()), http.StatusForbidden)
			return
		}
		utils.WriteJsonResponse(w, docsResponse[T]{Docs: orEmpty(s.coll.All())})
		return
	}

	if !s.engine.AllowedQuery(user.Role, "read", s.coll.Name(), field, value, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not query %v by %v", user.Id, s.coll.Name(), field), http.StatusForbidden)
		return
	}

	utils.WriteJsonResponse(w, docsResponse[T]{Docs: orEmpty(s.coll.Query(field, value))})
}

func orEmpty[T any](docs []schema.Document[T]) []schema.Document[T] {
	if docs == nil {
		return []schema.Document[T]{}
	}
	return docs
}

func (s *DocumentService[T]) GetDoc(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	docId, err := utils.URLParamUUID(r, "document_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.engine.Allowed(user.Role, "read", s.coll.Name(), docId, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not read %v", user.Id, s.coll.Name()), http.StatusForbidden)
		return
	}

	doc := s.coll.Get(docId)
	if doc == nil {
		http.Error(w, fmt.Sprintf("no %v document with id %v", s.coll.Name(), docId), http.StatusNotFound)
		return
	}

	utils.WriteJsonResponse(w, doc)
}

// Create accepts either a single payload or {"batch": [...]}. An explicit
// document id may be supplied with the ?id= query parameter (single create
// only). Batch creation is best effort: the response holds the documents
// that were actually created.
func (s *DocumentService[T]) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading request body: %v", err), http.StatusBadRequest)
		return
	}

	var batchProbe struct {
		Batch []json.RawMessage `json:"batch"`
	}
	if err := json.Unmarshal(body, &batchProbe); err == nil && batchProbe.Batch != nil {
		s.createBatch(w, r, user, batchProbe.Batch)
		return
	}

	payload, err := s.decodePayload(body, user)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if !s.allowCreate(user, *payload) {
		http.Error(w, fmt.Sprintf("user %v may not create %v", user.Id, s.coll.Name()), http.StatusForbidden)
		return
	}

	docId := uuid.New()
	if raw := r.URL.Query().Get("id"); raw != "" {
		explicit, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid explicit id '%v': %v", raw, err), http.StatusBadRequest)
			return
		}
		docId = explicit
	}

	doc := s.coll.AddWithId(docId, *payload, user.Id)
	if doc == nil {
		http.Error(w, fmt.Sprintf("error creating %v document", s.coll.Name()), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, doc)
}

func (s *DocumentService[T]) createBatch(w http.ResponseWriter, r *http.Request, user schema.User, batch []json.RawMessage) {
	payloads := make([]T, 0, len(batch))
	for _, raw := range batch {
		payload, err := s.decodePayload(raw, user)
		if err != nil {
			http.Error(w, err.Error(), GetResponseCode(err))
			return
		}
		if !s.allowCreate(user, *payload) {
			http.Error(w, fmt.Sprintf("user %v may not create %v", user.Id, s.coll.Name()), http.StatusForbidden)
			return
		}
		payloads = append(payloads, *payload)
	}

	created := []schema.Document[T]{}
	for _, payload := range payloads {
		if doc := s.coll.Add(payload, user.Id); doc != nil {
			created = append(created, *doc)
		}
	}

	utils.WriteJsonResponse(w, docsResponse[T]{Docs: created})
}

func (s *DocumentService[T]) decodePayload(raw []byte, user schema.User) (*T, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, CodedError(fmt.Errorf("error parsing %v payload: %w", s.coll.Name(), err), http.StatusBadRequest)
	}
	if s.prepare != nil {
		if err := s.prepare(&payload, user); err != nil {
			return nil, err
		}
	}
	return &payload, nil
}

func (s *DocumentService[T]) allowCreate(user schema.User, payload T) bool {
	relatedId := uuid.Nil
	if s.createRelated != nil {
		relatedId = s.createRelated(payload)
	}
	return s.engine.Allowed(user.Role, "create", s.coll.Name(), relatedId, user.Id)
}

func (s *DocumentService[T]) rejectImmutable(partial map[string]any) error {
	for _, field := range s.immutable {
		if _, ok := partial[field]; ok {
			return CodedError(fmt.Errorf("field %v is immutable after creation", field), http.StatusUnprocessableEntity)
		}
	}
	return nil
}

func (s *DocumentService[T]) UpdateDoc(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	docId, err := utils.URLParamUUID(r, "document_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var partial map[string]any
	if !utils.ParseRequestBody(w, r, &partial) {
		return
	}

	if err := s.rejectImmutable(partial); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if !s.engine.Allowed(user.Role, "update", s.coll.Name(), docId, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not update %v %v", user.Id, s.coll.Name(), docId), http.StatusForbidden)
		return
	}

	doc := s.coll.Update(docId, user.Id, partial)
	if doc == nil {
		http.Error(w, fmt.Sprintf("no %v document with id %v", s.coll.Name(), docId), http.StatusNotFound)
		return
	}

	utils.WriteJsonResponse(w, doc)
}

type batchUpdateRequest struct {
	Batch []struct {
		Id   uuid.UUID      `json:"id"`
		Data map[string]any `json:"data"`
	} `json:"batch"`
}

func (s *DocumentService[T]) UpdateBatch(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params batchUpdateRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	ids := make([]uuid.UUID, 0, len(params.Batch))
	for _, entry := range params.Batch {
		if err := s.rejectImmutable(entry.Data); err != nil {
			http.Error(w, err.Error(), GetResponseCode(err))
			return
		}
		ids = append(ids, entry.Id)
	}

	if !s.engine.AllowedBatch(user.Role, "update", s.coll.Name(), ids, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not update %v batch", user.Id, s.coll.Name()), http.StatusForbidden)
		return
	}

	updated := []schema.Document[T]{}
	for _, entry := range params.Batch {
		if doc := s.coll.Update(entry.Id, user.Id, entry.Data); doc != nil {
			updated = append(updated, *doc)
		}
	}

	utils.WriteJsonResponse(w, docsResponse[T]{Docs: updated})
}

func (s *DocumentService[T]) DeleteDoc(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	docId, err := utils.URLParamUUID(r, "document_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.engine.Allowed(user.Role, "delete", s.coll.Name(), docId, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not delete %v %v", user.Id, s.coll.Name(), docId), http.StatusForbidden)
		return
	}

	if s.deleteDoc != nil {
		report, ok := s.deleteDoc(docId)
		if !ok {
			http.Error(w, fmt.Sprintf("no %v document with id %v", s.coll.Name(), docId), http.StatusNotFound)
			return
		}
		utils.WriteJsonResponse(w, report)
		return
	}

	if !s.coll.Delete(docId) {
		http.Error(w, fmt.Sprintf("no %v document with id %v", s.coll.Name(), docId), http.StatusNotFound)
		return
	}

	utils.WriteSuccess(w)
}

type batchDeleteRequest struct {
	Ids []uuid.UUID `json:"ids"`
}

// DeleteBatch removes the ids that exist; the response reports the documents
// actually deleted, so callers can distinguish "all gone" from "some were
// already absent".
func (s *DocumentService[T]) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params batchDeleteRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.engine.AllowedBatch(user.Role, "delete", s.coll.Name(), params.Ids, user.Id) {
		http.Error(w, fmt.Sprintf("user %v may not delete %v batch", user.Id, s.coll.Name()), http.StatusForbidden)
		return
	}

	deleted := s.coll.DeleteBatch(params.Ids)
	if deleted == nil {
		http.Error(w, fmt.Sprintf("error deleting %v batch", s.coll.Name()), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, docsResponse[T]{Docs: deleted})
}
