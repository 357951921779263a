package tests

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"collabspace/workspace/auth"
	"collabspace/workspace/services"
	"collabspace/workspace/store"
)

type testEnv struct {
	workspace *services.Workspace
	api       chi.Router
	db        *gorm.DB
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Migrate(db); err != nil {
		t.Fatal(err)
	}

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        []byte("290zcv02ai249"),
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	workspace, err := services.NewWorkspace(db, userAuth, services.Options{
		SweepCooldown:   5 * time.Millisecond,
		BroadcastPeriod: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(workspace.Shutdown)

	return &testEnv{workspace: workspace, api: workspace.Routes(), db: db}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(tt *testing.T, username string) client {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		tt.Fatal(err)
	}

	if err := c.login(login); err != nil {
		tt.Fatal(err)
	}

	return c
}

func (t *testEnv) adminClient(tt *testing.T) client {
	c := t.newClient()
	if err := c.login(loginInfo{Email: adminEmail, Password: adminPassword}); err != nil {
		tt.Fatal(err)
	}
	return c
}
