package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "workerd/pkg/logx"
)

type fakeUnits struct {
	mu        sync.Mutex
	units     []sddbus.UnitStatus
	patterns  []string
	restarted []string
	closed    int
}

func (f *fakeUnits) ListUnitsByPatternsContext(_ context.Context, _, patterns []string) ([]sddbus.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = patterns
	return f.units, nil
}

func (f *fakeUnits) RestartUnitContext(_ context.Context, name, _ string, _ chan<- string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	return 1, nil
}

func (f *fakeUnits) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeUnits) dial(context.Context) (unitConn, error) { return f, nil }

func TestUnitsAllActive(t *testing.T) {
	t.Parallel()
	f := &fakeUnits{units: []sddbus.UnitStatus{
		{Name: "nginx.service", LoadState: "loaded", ActiveState: "active"},
		{Name: "backup.timer", LoadState: "loaded", ActiveState: "active"},
	}}
	fn, err := newUnits("u", json.RawMessage(`{"units":["nginx"," backup.timer ",""]}`), Deps{Log: logx.Nop()}, f.dial)
	require.NoError(t, err)

	detail, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2/2 active", detail)
	assert.Equal(t, []string{"nginx.service", "backup.timer"}, f.patterns)
	assert.Equal(t, 1, f.closed)
	assert.Empty(t, f.restarted)
}

func TestUnitsRestartsFailedWithCooldown(t *testing.T) {
	t.Parallel()
	f := &fakeUnits{units: []sddbus.UnitStatus{
		{Name: "a.service", LoadState: "loaded", ActiveState: "failed"},
		{Name: "b.service", LoadState: "loaded", ActiveState: "inactive"},
	}}
	fn, err := newUnits("u", json.RawMessage(`{"units":["a","b","c"],"restart":true,"cooldown":"1h"}`), Deps{Log: logx.Nop()}, f.dial)
	require.NoError(t, err)

	detail, err := fn(context.Background())
	require.ErrorContains(t, err, "a.service=failed")
	require.ErrorContains(t, err, "b.service=inactive")
	require.ErrorContains(t, err, "c.service=not-found")
	assert.Equal(t, "0/3 active, restarted a.service", detail)
	assert.Equal(t, []string{"a.service"}, f.restarted)

	// still failed, but inside the cooldown
	_, err = fn(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a.service"}, f.restarted)
}

func TestUnitsOptions(t *testing.T) {
	t.Parallel()
	f := &fakeUnits{}
	_, err := newUnits("u", nil, Deps{Log: logx.Nop()}, f.dial)
	require.ErrorContains(t, err, "at least one unit")
	_, err = newUnits("u", json.RawMessage(`{"units":["a"],"cooldown":"soon"}`), Deps{Log: logx.Nop()}, f.dial)
	require.ErrorContains(t, err, "cooldown")

	dialErr := errors.New("no bus")
	fn, err := newUnits("u", json.RawMessage(`{"units":["a"]}`), Deps{Log: logx.Nop()},
		func(context.Context) (unitConn, error) { return nil, dialErr })
	require.NoError(t, err)
	_, err = fn(context.Background())
	require.ErrorIs(t, err, dialErr)
}

func TestSpeedtestOptions(t *testing.T) {
	t.Parallel()
	_, err := NewSpeedtest("s", json.RawMessage(`{"servers":2,"full_tests":5}`), Deps{Log: logx.Nop()})
	require.NoError(t, err)
	_, err = NewSpeedtest("s", json.RawMessage(`{"min_download_mbps":-1}`), Deps{Log: logx.Nop()})
	require.ErrorContains(t, err, "must be >= 0")
	_, err = NewSpeedtest("s", json.RawMessage(`{"serverz":2}`), Deps{Log: logx.Nop()})
	require.Error(t, err)

	o := speedtestOptions{Servers: 2, FullTests: 5}
	require.NoError(t, o.normalize())
	assert.Equal(t, 2, o.FullTests)
	assert.Equal(t, 4, o.MaxConnections)
}

func TestCheckSpeed(t *testing.T) {
	t.Parallel()
	res := speedResult{DownloadMbps: 48.5, UploadMbps: 9, Ping: 12 * time.Millisecond, Server: "ISP (NL)", Tested: 1}

	detail, err := checkSpeed(res, speedtestOptions{MinDownload: 10})
	require.NoError(t, err)
	assert.Equal(t, "down 48.50 Mbps, up 9.00 Mbps, ping 12ms via ISP (NL) (1 tested)", detail)

	_, err = checkSpeed(res, speedtestOptions{MinDownload: 50, MinUpload: 10})
	require.ErrorContains(t, err, "download 48.50 Mbps below 50.00")
	require.ErrorContains(t, err, "upload 9.00 Mbps below 10.00")
}
