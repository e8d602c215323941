package db

import (
	"testing"

	dbconf "github.com/amirphl/simple-backtester/internal/db/conf"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorage(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	pg, err := New(*cfg)
	require.NoError(t, err)
	runStorageSuite(t, pg)
}

func TestNew_NilHandle(t *testing.T) {
	_, err := New(dbconf.Config{})
	require.Error(t, err)
}
