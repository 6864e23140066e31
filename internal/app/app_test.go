package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workerd/internal/config"
	"workerd/internal/control"
	"workerd/internal/eventbus"
	"workerd/internal/jobs"
	"workerd/internal/storage"
	logx "workerd/pkg/logx"
)

// counts tallies runs of the "count" job kind per worker.
type counts struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counts) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func countingRegistry() (*jobs.Registry, *counts) {
	c := &counts{n: map[string]int{}}
	reg := jobs.NewRegistry()
	reg.Register("count", func(name string, raw json.RawMessage, _ jobs.Deps) (jobs.Func, error) {
		var opts struct{}
		if err := jobs.DecodeOptions(raw, &opts); err != nil {
			return nil, err
		}
		return func(context.Context) (string, error) {
			c.mu.Lock()
			c.n[name]++
			c.mu.Unlock()
			return "counted", nil
		}, nil
	})
	return reg, c
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestAppLifecycleAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "workerd.yaml")
	writeConfig(t, path, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "runs")+`
workers:
  fast:
    kind: count
    interval: 20ms
  slow:
    kind: count
    interval: 1h
    initial_delay: 1h
`)

	reg, c := countingRegistry()
	a, err := New(path, WithRegistry(reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	eventually(t, func() bool { return c.get("fast") >= 2 }, "fast worker not running")
	assert.Equal(t, 0, c.get("slow"))
	assert.Equal(t, []string{"fast", "slow"}, a.workers.Names())

	// manual trigger goes through the same path as the control API
	require.NoError(t, a.workers.Trigger("slow"))
	eventually(t, func() bool { return c.get("slow") == 1 }, "trigger ignored")
	require.ErrorIs(t, a.workers.Trigger("nope"), control.ErrUnknownWorker)

	eventually(t, func() bool {
		runs, err := a.workers.History(ctx, "slow", 10)
		return err == nil && len(runs) == 1 && runs[0].Trigger == storage.TriggerManual
	}, "manual run not recorded")

	// reload: drop fast, keep slow, add a new worker
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, `
logging:
  level: error
storage:
  driver: file
  path: `+filepath.Join(dir, "runs")+`
workers:
  slow:
    kind: count
    interval: 1h
    initial_delay: 1h
  added:
    kind: count
    interval: 1h
`)
	eventually(t, func() bool {
		names := a.workers.Names()
		return len(names) == 2 && names[0] == "added" && names[1] == "slow"
	}, "reload not applied")
	eventually(t, func() bool { return c.get("added") == 1 }, "added worker did not run")

	// the untouched worker kept its state
	slow, ok := a.workers.get("slow")
	require.True(t, ok)
	assert.Equal(t, uint64(1), slow.runner.Stats().Calls)

	fastAfter := c.get("fast")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fastAfter, c.get("fast"), "removed worker still running")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
	assert.Empty(t, a.workers.Names())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled after Stop")
	}
}

func TestReloadRejectsInvalidWorkers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "workerd.json")
	writeConfig(t, path, `{"logging":{"level":"error"},"workers":{"a":{"kind":"count","interval":"1h"}}}`)

	reg, _ := countingRegistry()
	a, err := New(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	events, unsub := a.Bus().Subscribe(8)
	defer unsub()

	writeConfig(t, path, `{"logging":{"level":"error"},"workers":{"a":{"kind":"count","interval":"1h","options":{"bogus":1}}}}`)
	time.Sleep(750 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case e := <-events:
			require.NotEqual(t, eventbus.ConfigReloaded, e.Type)
		default:
			drained = true
		}
	}
	assert.Empty(t, a.Config().Workers["a"].Options)
}

func TestReloadAfterStopAllStartsNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "workerd.yaml")
	writeConfig(t, path, "logging:\n  level: error\nworkers:\n  fast:\n    kind: count\n    interval: 10ms\n")

	reg, c := countingRegistry()
	a, err := New(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	eventually(t, func() bool { return c.get("fast") >= 1 }, "fast worker not running")

	prev := a.Config()
	require.NoError(t, a.workers.StopAll())

	// a reload that was already in flight when shutdown began
	next := *prev
	next.Workers = map[string]config.WorkerConfig{"fast": {Kind: "count", Interval: "5ms"}}
	a.applyConfig(context.Background(), prev, &next)
	require.ErrorIs(t, a.workers.Reconcile(&next), errClosed)
	require.ErrorIs(t, a.workers.addBuiltin("extra", "count", time.Millisecond, func(context.Context) (string, error) {
		return "", nil
	}), errClosed)
	assert.Empty(t, a.workers.Names())

	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))
	before := c.get("fast")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, c.get("fast"), "delegate called after Stop returned")
	assert.Empty(t, a.workers.Names())
}

func TestNewFailsOnUnknownKind(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "workerd.json")
	writeConfig(t, path, `{"logging":{"level":"error"},"workers":{"a":{"kind":"nope","interval":"1h"}}}`)
	_, err := New(path)
	require.ErrorContains(t, err, "unknown kind")
	require.ErrorContains(t, Check(path), "unknown kind")
}

func TestCheck(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "workerd.yaml")
	writeConfig(t, path, "workers:\n  hb:\n    kind: heartbeat\n    interval: 1m\n")
	require.NoError(t, Check(path))

	writeConfig(t, path, "workers:\n  "+jobs.WatchdogWorkerName+":\n    kind: heartbeat\n    interval: 1m\n")
	require.ErrorContains(t, Check(path), "reserved")
}

func TestControlServerServesWorkers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "workerd.yaml")
	writeConfig(t, path, `
logging:
  level: error
control:
  enabled: true
  addr: 127.0.0.1:0
workers:
  hb:
    kind: count
    interval: 1h
    initial_delay: 1h
`)
	reg, c := countingRegistry()
	a, err := New(path, WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	eventually(t, func() bool { return a.ControlAddr() != "" }, "control server not listening")
	base := "http://" + a.ControlAddr()

	resp, err := http.Post(base+"/workers/hb/trigger", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	eventually(t, func() bool { return c.get("hb") == 1 }, "trigger not delivered")

	resp, err = http.Get(base + "/workers/hb/history")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWatchdogWorker(t *testing.T) {
	// mutates process environment
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", "")
	t.Setenv("NOTIFY_SOCKET", "")

	path := filepath.Join(t.TempDir(), "workerd.yaml")
	writeConfig(t, path, "logging:\n  level: error\nsystemd:\n  watchdog: true\nworkers: {}\n")

	var pings atomic.Int32
	a, err := New(path, WithNotifier(func(_ bool, state string) (bool, error) {
		if state == "WATCHDOG=1" {
			pings.Add(1)
		}
		return true, nil
	}))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	eventually(t, func() bool { return pings.Load() >= 2 }, "watchdog not pinged")
	assert.Equal(t, []string{jobs.WatchdogWorkerName}, a.workers.Names())
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
}

func TestMapStorage(t *testing.T) {
	t.Parallel()
	_, ok, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	sc, ok, err := mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", BusyTimeout: "2s"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./workerd.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
	assert.Equal(t, config.DefaultHistorySize, sc.HistorySize)

	_, ok, err = mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapLogging(t *testing.T) {
	t.Parallel()
	lc := mapLogging(&config.Config{Logging: config.LoggingConfig{Level: "debug", JSON: true, File: config.LoggingFile{Enabled: true, Path: "x.log"}}})
	assert.Equal(t, logx.Config{Level: "debug", JSON: true, File: logx.FileConfig{Enabled: true, Path: "x.log"}}, lc)
}
