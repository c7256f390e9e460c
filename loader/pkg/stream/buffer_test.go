package stream_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/lakeetl/loader/pkg/clickhouse/testing"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestLake_Stream_Buffer_NewBufferProvisioner(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		p, err := stream.NewBufferProvisioner(stream.BufferConfig{})
		require.Error(t, err)
		require.Nil(t, p)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing clickhouse", func(t *testing.T) {
		t.Parallel()
		p, err := stream.NewBufferProvisioner(stream.BufferConfig{Logger: laketesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, p)
		require.Contains(t, err.Error(), "clickhouse connection is required")
	})
}

func TestLake_Stream_Buffer_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := clickhousetesting.NewTestClient(t, sharedDB)
	conn, err := client.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	p, err := stream.NewBufferProvisioner(stream.BufferConfig{
		Logger:        laketesting.NewLogger(),
		ClickHouse:    client,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	const (
		staging = "stg_buffer_game_summaries"
		name    = "buffer_game_summaries_stream"
	)
	require.NoError(t, conn.Exec(ctx, clickhouse.CreateStagingTableSQL(staging, "game_summaries")))

	active, err := p.StreamIsActive(ctx, name)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, p.CreateStream(ctx, name, staging))
	require.NoError(t, p.CreateStream(ctx, name, staging), "create is idempotent")

	active, err = p.StreamIsActive(ctx, name)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, conn.Exec(ctx, "INSERT INTO "+name+" SELECT number + 1, number + 1, toDate('2024-03-01'), 1, 'standard', 0, 10, 600, now64(3) FROM numbers(25)"))

	var staged uint64
	require.NoError(t, conn.QueryRow(ctx, "SELECT count() FROM "+staging).Scan(&staged))
	require.Zero(t, staged, "rows stay buffered until flush")

	require.NoError(t, p.DeleteStream(ctx, name))
	require.NoError(t, conn.QueryRow(ctx, "SELECT count() FROM "+staging).Scan(&staged))
	require.Equal(t, uint64(25), staged, "dropping the stream flushes buffered rows")

	active, err = p.StreamIsActive(ctx, name)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, p.DeleteStream(ctx, name), "delete is idempotent")
}
