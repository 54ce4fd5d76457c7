package migration

import (
	"strings"
	"testing"

	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrateCreatesTables(t *testing.T) {
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	require.NoError(t, AutoMigrate(conn))

	for _, table := range []string{
		"customers", "plans", "subscriptions", "retry_schedules",
		"transactions", "reconciliations", "billing_events", "decline_insights",
	} {
		require.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir(migrationsDir)
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	require.NotZero(t, ups)
	require.Equal(t, ups, downs)
}
