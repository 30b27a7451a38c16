//go:build integration

// Package dbtest starts throwaway PostgreSQL instances for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cadenza-automation/cadenza/internal/core/db"
)

// Postgres starts a PostgreSQL container, migrates it and returns loaded
// queries. The container is terminated when the test ends.
func Postgres(t *testing.T) *db.Queries {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cadenza",
			"POSTGRES_PASSWORD": "cadenza",
			"POSTGRES_DB":       "cadenza_test",
		},
		// The init process restarts the server once; wait for the second start.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	url := fmt.Sprintf("postgres://cadenza:cadenza@%s:%s/cadenza_test?sslmode=disable", host, port.Port())
	conn, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.MigrateUp(ctx, conn); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	q, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("failed to load queries: %v", err)
	}
	return q
}

// Reset empties every application table.
func Reset(t *testing.T, q *db.Queries) {
	t.Helper()
	for _, table := range []string{"executions", "rule_versions", "rules"} {
		if _, err := q.DB().Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to reset %s: %v", table, err)
		}
	}
}
