//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStorageIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	dsn := startPostgresContainer(t, ctx)

	runStorageSuite(t, func(t *testing.T) Storage {
		s, err := NewPostgres(dsn, PostgresOptions{MaxOpenConns: 8})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(ctx))
		_, err = s.db.ExecContext(ctx, `TRUNCATE hubs, nudge_logs, queue_items`)
		require.NoError(t, err)
		return s
	})
}

func startPostgresContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	port := nat.Port("5432/tcp")
	dsnFor := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://nudge:secret@%s:%s/nudges?sslmode=disable", host, port.Port())
	}
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "nudge",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "nudges",
		},
		WaitingFor: wait.ForSQL(port, "postgres", dsnFor).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return dsnFor(host, mapped)
}
