package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
	"github.com/stretchr/testify/require"
)

func TestBoltDBInquiries(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for i, name := range []string{"Ada", "Grace", "Linus"} {
		id, err := db.AddInquiry(ctx, models.Inquiry{
			ID:        name,
			Name:      name,
			Email:     name + "@example.com",
			Message:   "We need a new website.",
			CreatedAt: time.Unix(int64(i), 0).UTC(),
		})
		require.NoError(t, err)
		require.Contains(t, id, name)
	}

	inquiries, err := db.Inquiries(ctx)
	require.NoError(t, err)
	require.Len(t, inquiries, 3)
	require.Equal(t, "Linus", inquiries[0].Name)
	require.Equal(t, "Ada", inquiries[2].Name)
}
