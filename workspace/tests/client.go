package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"collabspace/workspace/schema"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		switch res.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusForbidden:
			return ErrForbidden
		case http.StatusNotFound:
			return ErrNotFound
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

type client struct {
	api       chi.Router
	authToken string
	userId    uuid.UUID
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Put(endpoint string) *httpTestRequest {
	return c.request("PUT", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/users/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res struct {
		UserId      uuid.UUID `json:"user_id"`
		AccessToken string    `json:"access_token"`
	}
	err := c.Post("/users/login").Json(login).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res.AccessToken
	c.userId = res.UserId

	return nil
}

type docsPage[T any] struct {
	Docs []schema.Document[T] `json:"docs"`
}

func createDoc[T any](c *client, resource string, payload any) (schema.Document[T], error) {
	var res schema.Document[T]
	err := c.Post("/" + resource).Json(payload).Do(&res)
	return res, err
}

func getDoc[T any](c *client, resource string, id uuid.UUID) (schema.Document[T], error) {
	var res schema.Document[T]
	err := c.Get(fmt.Sprintf("/%v/%v", resource, id)).Do(&res)
	return res, err
}

func queryDocs[T any](c *client, resource, field, value string) ([]schema.Document[T], error) {
	var res docsPage[T]
	err := c.Get(fmt.Sprintf("/%v?field=%v&value=%v", resource, field, value)).Do(&res)
	return res.Docs, err
}

func listDocs[T any](c *client, resource string) ([]schema.Document[T], error) {
	var res docsPage[T]
	err := c.Get("/" + resource).Do(&res)
	return res.Docs, err
}

func updateDoc[T any](c *client, resource string, id uuid.UUID, partial map[string]any) (schema.Document[T], error) {
	var res schema.Document[T]
	err := c.Put(fmt.Sprintf("/%v/%v", resource, id)).Json(partial).Do(&res)
	return res, err
}

func (c *client) deleteDoc(resource string, id uuid.UUID, report any) error {
	return c.Delete(fmt.Sprintf("/%v/%v", resource, id)).Do(report)
}

func (c *client) createRoom(name string) (schema.Document[schema.Room], error) {
	return createDoc[schema.Room](c, "rooms", map[string]any{"name": name})
}

func (c *client) createPrivateRoom(name, pin string) (schema.Document[schema.Room], error) {
	return createDoc[schema.Room](c, "rooms", map[string]any{
		"name": name, "isPrivate": true, "privatePin": pin,
	})
}

func (c *client) joinRoom(roomId uuid.UUID, pin string) (schema.Document[schema.Room], error) {
	var res schema.Document[schema.Room]
	err := c.Post(fmt.Sprintf("/rooms/%v/join", roomId)).Json(map[string]string{"pin": pin}).Do(&res)
	return res, err
}

func (c *client) createBoard(roomId uuid.UUID, name string) (schema.Document[schema.Board], error) {
	return createDoc[schema.Board](c, "boards", map[string]any{"name": name, "roomId": roomId})
}

func (c *client) createPresence(roomId uuid.UUID) (schema.Document[schema.Presence], error) {
	return createDoc[schema.Presence](c, "presence", map[string]any{
		"roomId": roomId, "status": "online",
	})
}

func (c *client) createApp(roomId, boardId uuid.UUID, appType string) (schema.Document[schema.App], error) {
	return createDoc[schema.App](c, "apps", map[string]any{
		"roomId": roomId, "boardId": boardId, "type": appType,
	})
}

type userInfo struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
}

func (c *client) userInfo() (userInfo, error) {
	var res userInfo
	err := c.Get("/users/info").Do(&res)
	return res, err
}

func (c *client) listUsers() ([]userInfo, error) {
	var res []userInfo
	err := c.Get("/users/list").Do(&res)
	return res, err
}

func (c *client) setRole(userId uuid.UUID, role string) error {
	return c.Post(fmt.Sprintf("/users/%v/role", userId)).Json(map[string]string{"role": role}).Do(nil)
}
