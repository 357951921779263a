package tests

import (
	"errors"
	"testing"

	"collabspace/workspace/schema"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	login, err := c.signup("ada", "ada@mail.com", "ada_password")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.login(login); err != nil {
		t.Fatal(err)
	}

	info, err := c.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Username != "ada" || info.Role != schema.RoleUser {
		t.Fatalf("unexpected user info: %+v", info)
	}
}

func TestDuplicateSignupRejected(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	if _, err := c.signup("ada", "ada@mail.com", "pwd1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.signup("ada2", "ada@mail.com", "pwd2"); err == nil {
		t.Fatal("duplicate email should be rejected")
	}
	if _, err := c.signup("ada", "other@mail.com", "pwd3"); err == nil {
		t.Fatal("duplicate username should be rejected")
	}
}

func TestBadLogin(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	if _, err := c.signup("ada", "ada@mail.com", "ada_password"); err != nil {
		t.Fatal(err)
	}

	err := c.login(loginInfo{Email: "ada@mail.com", Password: "wrong"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	_, err := c.createRoom("studio")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized without token, got %v", err)
	}

	_, err = c.userInfo()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized without token, got %v", err)
	}
}

func TestUserListIsAdminOnly(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "ada")
	admin := env.adminClient(t)

	if _, err := user.listUsers(); !errors.Is(err, ErrForbidden) {
		t.Fatal("regular users should not list accounts")
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	// Bootstrap admin plus the signed up user.
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestRoleAssignment(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "ada")
	admin := env.adminClient(t)

	if err := user.setRole(user.userId, schema.RoleGuest); !errors.Is(err, ErrForbidden) {
		t.Fatal("non-admins should not change roles")
	}

	if err := admin.setRole(user.userId, schema.RoleSpectator); err != nil {
		t.Fatal(err)
	}

	info, err := user.userInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.Role != schema.RoleSpectator {
		t.Fatalf("role not updated: %+v", info)
	}

	// Spectators can look but not touch.
	if _, err := user.createRoom("studio"); !errors.Is(err, ErrForbidden) {
		t.Fatal("spectator should not create rooms")
	}

	if err := admin.setRole(user.userId, "overlord"); err == nil {
		t.Fatal("unknown role should be rejected")
	}
}

func TestAccountPurge(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "ada")
	survivor := env.newUser(t, "grace")

	room, err := user.createRoom("studio")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := user.createBoard(room.Id, "sprint"); err != nil {
		t.Fatal(err)
	}
	survivorRoom, err := survivor.createRoom("archive")
	if err != nil {
		t.Fatal(err)
	}

	if err := survivor.Delete("/users/" + user.userId.String()).Do(nil); !errors.Is(err, ErrForbidden) {
		t.Fatal("users should not delete other accounts")
	}

	var purge struct {
		Rooms []struct {
			RoomDeleted bool `json:"roomDeleted"`
		} `json:"rooms"`
	}
	if err := user.Delete("/users/" + user.userId.String()).Do(&purge); err != nil {
		t.Fatal(err)
	}
	if len(purge.Rooms) != 1 || !purge.Rooms[0].RoomDeleted {
		t.Fatalf("owned room not purged: %+v", purge)
	}

	if err := user.login(loginInfo{Email: "ada@mail.com", Password: "ada_password"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deleted account should not log in, got %v", err)
	}

	if _, err := getDoc[schema.Room](&survivor, "rooms", survivorRoom.Id); err != nil {
		t.Fatalf("purge touched another user's room: %v", err)
	}

	if _, err := getDoc[schema.Room](&survivor, "rooms", room.Id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged room still present: %v", err)
	}
}
