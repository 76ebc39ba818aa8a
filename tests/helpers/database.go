package helpers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/jmw-nz/hoard/internal/database"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	Host         = "0.0.0.0"
	User         = "postgres"
	Password     = "postgres"
	MasterDBName = "HOARD_DB"
	Port         = "5432"
)

var ctx = context.Background()

// postgresManager spawns a single shared postgres container for the
// whole test binary and provisions one database per test from it, so
// tests can run in parallel without sharing tables.
type postgresManager struct {
	*sync.Mutex
	pgContainer testcontainers.Container
	connection  *sql.DB
}

var manager = &postgresManager{Mutex: &sync.Mutex{}}

// RequireDatabase provisions a fresh database named after the test and
// returns a connected (and migrated) manager for it.
func RequireDatabase(t *testing.T) database.Manager {
	dbName := databaseNameFor(t)
	manager.provisionDB(t, dbName)

	db := database.New()
	if err := db.Connect(database.DatabaseConfig{
		User:     User,
		Password: Password,
		Name:     dbName,
		Host:     Host,
		Port:     Port,
	}); err != nil {
		t.Fatalf("failed to connect to provisioned database '%s': %s", dbName, err)
	}

	return db
}

var invalidDBNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

func databaseNameFor(t *testing.T) string {
	return strings.ToUpper(invalidDBNameChars.ReplaceAllString(t.Name(), "_"))
}

func (manager *postgresManager) provisionDB(t *testing.T, databaseName string) {
	manager.Lock()
	defer manager.Unlock()

	if manager.connection == nil {
		t.Log("Database provisioning request received but manager not started yet. Initializing database management...")
		manager.spawnPostgres(t)
		manager.connect(t)
		t.Log("Database management initialised!")
	}

	if _, err := manager.connection.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, databaseName)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			t.Logf("Database '%s' already provisioned. Reusing database", databaseName)
			return
		}

		t.Fatalf("failed to provision database '%s': (%T) %s", databaseName, err, err)
	}
}

func (manager *postgresManager) connect(t *testing.T) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable", Host, User, Password, MasterDBName, Port)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open postgres connection: %s", err)
	}

	for attempt := 1; attempt <= 5; attempt++ {
		if err := db.Ping(); err != nil {
			if attempt == 5 {
				t.Fatalf("all database connection attempts FAILED")
			}

			t.Logf("DB connection attempt (%v/5) failed... Retrying in 3s", attempt)
			time.Sleep(3 * time.Second)
			continue
		}

		break
	}

	t.Log("Database connection established!")
	manager.connection = db
}

func (manager *postgresManager) spawnPostgres(t *testing.T) {
	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(MasterDBName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) { hostConfig.NetworkMode = "host" }),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
		return
	}

	manager.pgContainer = postgresC
}
