package scylla

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/internal/marketplace/store/storetest"
	"github.com/datarand/datarand-backend/pkg/datastore"
)

// Set SCYLLA_TEST_HOSTS (host:port) to run against a real cluster.
func TestScyllaStore(t *testing.T) {
	hosts := os.Getenv("SCYLLA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_TEST_HOSTS not set")
	}
	host, port, _ := strings.Cut(hosts, ":")
	if port == "" {
		port = "9042"
	}
	config := datastore.NewConfig(host, port, "datarand_test")
	require.NoError(t, datastore.EnsureKeyspace(config, 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := datastore.NewConnection(ctx, config, nil)
	require.NoError(t, err)
	s := New(conn, nil)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Close())

	storetest.Run(t, func(t *testing.T) store.Store {
		conn, err := datastore.NewConnection(context.Background(), config, nil)
		require.NoError(t, err)
		return New(conn, nil)
	})
}

func TestRawJSON(t *testing.T) {
	assert.Nil(t, rawJSON(""))
	assert.Equal(t, `{"ok":true}`, string(rawJSON(`{"ok":true}`)))
}

func TestParseDecimal(t *testing.T) {
	d, err := parseDecimal("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseDecimal("1.25")
	require.NoError(t, err)
	assert.Equal(t, "1.25", d.String())

	_, err = parseDecimal("abc")
	assert.Error(t, err)
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(gocql.ErrNotFound), store.ErrNotFound)
	other := assert.AnError
	assert.Equal(t, other, notFound(other))
}
