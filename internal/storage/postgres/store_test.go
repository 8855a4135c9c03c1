package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/storage/postgres"
	"github.com/snehjoshi/levelq/internal/storage/storagetest"
)

// The suite needs a real server; point LEVELQ_TEST_POSTGRES_DSN at a
// throwaway database to run it.
func TestPostgresStore_Conformance(t *testing.T) {
	dsn := os.Getenv("LEVELQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEVELQ_TEST_POSTGRES_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			t.Fatalf("postgres.Open: %v", err)
		}
		if err := s.Truncate(ctx); err != nil {
			t.Fatalf("Truncate: %v", err)
		}
		return s
	})
}
