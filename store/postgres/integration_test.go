package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/storetest"
)

// startPostgres runs a throwaway PostgreSQL container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "chatgraph",
				"POSTGRES_PASSWORD": "chatgraph",
				"POSTGRES_DB":       "chatgraph",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://chatgraph:chatgraph@%s:%s/chatgraph?sslmode=disable", host, port.Port())
}

func TestPostgresSaver_Integration(t *testing.T) {
	dsn := startPostgres(t)

	storetest.Run(t, func(t *testing.T) store.Saver {
		ctx := context.Background()
		s, err := NewPostgresSaver(ctx, PostgresOptions{
			ConnString: dsn,
			MaxConns:   4,
			Logger:     &log.NoOpLogger{},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		require.NoError(t, s.Setup(ctx))
		_, err = s.pool.Exec(ctx, "TRUNCATE checkpoints, writes")
		require.NoError(t, err)
		return s
	})
}

func TestPostgresSaver_ConcurrentSetupAcrossSavers(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	savers := make([]*PostgresSaver, 3)
	for i := range savers {
		s, err := NewPostgresSaver(ctx, PostgresOptions{ConnString: dsn, MaxConns: 2, Logger: &log.NoOpLogger{}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		savers[i] = s
	}

	errs := make(chan error, len(savers))
	for _, s := range savers {
		go func() { errs <- s.Setup(ctx) }()
	}
	for range savers {
		require.NoError(t, <-errs)
	}
}
