package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clinimatch-server/internal/database"
	"github.com/clinimatch-server/internal/domain"
)

// generateTestPassword creates a secure random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a default test password if random generation fails
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupPostgresStore(t *testing.T) *PostgresStore {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, domain.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		Database:        "testdb",
		Username:        "testuser",
		Password:        testPassword,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}, logger)
	require.NoError(t, err)

	databaseURL := "postgres://testuser:" + testPassword + "@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
	migrationRunner, err := database.NewMigrationRunner(databaseURL, "../../migrations", logger)
	require.NoError(t, err)
	require.NoError(t, migrationRunner.Up(ctx))

	t.Cleanup(func() {
		migrationRunner.Close()
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	return NewPostgresStore(db.Pool, logger)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	data := []byte(`{"matches":[{"nctId":"NCT01234567"}]}`)
	require.NoError(t, store.Put(ctx, "trials:abc", data, time.Hour))

	entry, found, err := store.Get(ctx, "trials:abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, data, entry.TrialData)

	// Overwriting the same key replaces the payload
	require.NoError(t, store.Put(ctx, "trials:abc", []byte("v2"), time.Hour))
	entry, found, err = store.Get(ctx, "trials:abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), entry.TrialData)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EntryCount)
}

func TestPostgresStore_ExpiryAndSweep(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "trials:live", []byte("a"), time.Hour))
	require.NoError(t, store.Put(ctx, "trials:dead", []byte("b"), -time.Minute))

	_, found, err := store.Get(ctx, "trials:dead")
	require.NoError(t, err)
	assert.False(t, found, "expired entry reads as a miss")

	entry, found, err := store.GetStale(ctx, "trials:dead")
	require.NoError(t, err)
	require.True(t, found, "expired entry stays readable for stale fallback")
	assert.True(t, entry.Expired())

	deleted, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, found, err = store.GetStale(ctx, "trials:dead")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresStore_Delete(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "trials:k", []byte("v"), time.Hour))
	require.NoError(t, store.Delete(ctx, "trials:k"))

	_, found, err := store.Get(ctx, "trials:k")
	require.NoError(t, err)
	assert.False(t, found)
}
