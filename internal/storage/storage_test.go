package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "workerd/pkg/logx"
)

func run(worker string, i int, at time.Time) RunRecord {
	return RunRecord{
		ID:        fmt.Sprintf("%s-%d", worker, i),
		Worker:    worker,
		Kind:      "heartbeat",
		Trigger:   TriggerSchedule,
		StartedAt: at,
		Duration:  time.Duration(i) * time.Millisecond,
		OK:        i%2 == 0,
		Detail:    "ok",
	}
}

func ids(rs []RunRecord) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "sub", "workerd.db")
			cfg := Config{Driver: driver, Path: path, HistorySize: 3}

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)

			base := time.Now().Add(-time.Hour)
			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendRun(ctx, run("a", i, base.Add(time.Duration(i)*time.Second))))
			}
			failed := run("b", 0, base)
			failed.OK = false
			failed.Error = "exit status 1"
			failed.Trigger = TriggerManual
			require.NoError(t, st.AppendRun(ctx, failed))

			got, err := st.RecentRuns(ctx, "a", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"a-4", "a-3", "a-2"}, ids(got))
			assert.Equal(t, 4*time.Millisecond, got[0].Duration)
			assert.True(t, got[0].OK)
			assert.False(t, got[1].OK)

			got, err = st.RecentRuns(ctx, "a", 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"a-4"}, ids(got))

			got, err = st.RecentRuns(ctx, "b", 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "exit status 1", got[0].Error)
			assert.Equal(t, TriggerManual, got[0].Trigger)
			assert.True(t, got[0].StartedAt.Equal(base))

			got, err = st.RecentRuns(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, st.Close())

			// history survives a reopen
			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err = st.RecentRuns(ctx, "a", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"a-4", "a-3", "a-2"}, ids(got))
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.json"), HistorySize: 2}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	fs := st.(*fileStore)
	base := time.Now()
	for i := 0; i < 1100; i++ {
		require.NoError(t, st.AppendRun(ctx, run("w", i, base.Add(time.Duration(i)*time.Millisecond))))
	}

	fs.mu.Lock()
	lines := fs.lines
	fs.mu.Unlock()
	assert.Less(t, lines, 1100)

	got, err := st.RecentRuns(ctx, "w", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"w-1099", "w-1098"}, ids(got))
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendRun(context.Background(), run("w", 0, time.Now())), ErrClosed)
}
