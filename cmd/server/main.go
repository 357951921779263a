package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"collabspace/utils"
	"collabspace/workspace/auth"
	"collabspace/workspace/services"
	"collabspace/workspace/store"
)

type serverEnv struct {
	PublicOrigin string
	DataDir      string
	JwtSecret    string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	// DatabaseUri selects postgres; if empty the server falls back to a
	// sqlite file under DataDir, which is intended for local development.
	DatabaseUri string

	SweepCooldownSeconds int
	BroadcastPerSecond   int
	VerboseLogging       bool
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables used by the workspace server must be loaded here.  ====
 * ==== This keeps the data flow clear so a user can see what variables  ====
 * ==== are exposed and how the values propagate through the system.     ====
 * ==========================================================================
 */
func loadEnv() serverEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := serverEnv{
		PublicOrigin: requiredEnv("PUBLIC_ORIGIN"),
		DataDir:      requiredEnv("DATA_DIR"),
		JwtSecret:    requiredEnv("JWT_SECRET"),

		AdminUsername: requiredEnv("ADMIN_USERNAME"),
		AdminEmail:    requiredEnv("ADMIN_MAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		DatabaseUri: utils.OptionalEnv("DATABASE_URI"),

		SweepCooldownSeconds: utils.IntEnvVar("SWEEP_COOLDOWN_SECONDS", 5),
		BroadcastPerSecond:   utils.IntEnvVar("BROADCAST_PER_SECOND", 15),
		VerboseLogging:       utils.BoolEnvVar("VERBOSE_LOGGING"),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	return env
}

func (env *serverEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File, verbose bool) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	slog.Info("logging initialized", "log_file", logFile.Name(), "verbose", verbose)
}

func initDb(env serverEnv) *gorm.DB {
	var dialector gorm.Dialector
	if env.DatabaseUri != "" {
		dialector = postgres.Open(env.postgresDsn())
	} else {
		dbPath := filepath.Join(env.DataDir, "workspace.db")
		slog.Info("DATABASE_URI not set, using local sqlite database", "path", dbPath)
		dialector = sqlite.Open(dbPath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := store.Migrate(db); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.DataDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.DataDir, "logs/server.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.DataDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile, env.VerboseLogging)

	db := initDb(env)

	identityProvider, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(auditLog),
		auth.BasicProviderArgs{
			Secret:        []byte(env.JwtSecret),
			AdminUsername: env.AdminUsername,
			AdminEmail:    env.AdminEmail,
			AdminPassword: env.AdminPassword,
		},
	)
	if err != nil {
		log.Fatalf("error creating basic identity provider: %v", err)
	}

	workspace, err := services.NewWorkspace(db, identityProvider, services.Options{
		SweepCooldown:   time.Duration(env.SweepCooldownSeconds) * time.Second,
		BroadcastPeriod: time.Second / time.Duration(env.BroadcastPerSecond),
	})
	if err != nil {
		log.Fatalf("error creating workspace: %v", err)
	}
	defer workspace.Shutdown()

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.PublicOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", workspace.Routes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
