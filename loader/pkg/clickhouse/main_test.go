package clickhouse_test

import (
	"context"
	"os"
	"testing"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/lakeetl/loader/pkg/clickhouse/testing"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared ClickHouse DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testWarehouse(t *testing.T) (*clickhouse.Warehouse, clickhouse.Client) {
	client := clickhousetesting.NewTestClient(t, sharedDB)
	return newWarehouse(t, client), client
}

func newWarehouse(t *testing.T, client clickhouse.Client) *clickhouse.Warehouse {
	wh, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{
		Logger:     laketesting.NewLogger(),
		ClickHouse: client,
		FlushLogs:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })
	return wh
}
