package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	logx "workerd/pkg/logx"
)

const KindUnits = "units"

// unitConn is the slice of the systemd D-Bus API the units job needs.
type unitConn interface {
	ListUnitsByPatternsContext(ctx context.Context, states, patterns []string) ([]sddbus.UnitStatus, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

type unitDialer func(ctx context.Context) (unitConn, error)

func dialSystemBus(ctx context.Context) (unitConn, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

type unitsOptions struct {
	Units []string `json:"units"`
	// Restart failed units, at most once per Cooldown each.
	Restart  bool   `json:"restart"`
	Cooldown string `json:"cooldown"`
}

// NewUnits checks that every listed systemd unit is active. A run fails when
// any unit is not, after optionally restarting the failed ones.
func NewUnits(name string, raw json.RawMessage, deps Deps) (Func, error) {
	return newUnits(name, raw, deps, dialSystemBus)
}

func newUnits(name string, raw json.RawMessage, deps Deps, dial unitDialer) (Func, error) {
	var opts unitsOptions
	if err := DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	units := make([]string, 0, len(opts.Units))
	for _, u := range opts.Units {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.Contains(u, ".") {
			u += ".service"
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, errors.New("units: at least one unit is required")
	}
	cooldown := 5 * time.Minute
	if s := strings.TrimSpace(opts.Cooldown); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("cooldown: invalid duration %q", s)
		}
		cooldown = d
	}

	log := deps.Log.With(logx.String("worker", name))
	var mu sync.Mutex
	lastRestart := map[string]time.Time{}

	return func(ctx context.Context) (string, error) {
		// one connection per run; checks are minutes apart
		conn, err := dial(ctx)
		if err != nil {
			return "", err
		}
		defer conn.Close()

		listed, err := conn.ListUnitsByPatternsContext(ctx, nil, units)
		if err != nil {
			return "", fmt.Errorf("list units: %w", err)
		}
		state := make(map[string]sddbus.UnitStatus, len(listed))
		for _, u := range listed {
			state[u.Name] = u
		}

		var down, restarted []string
		for _, unit := range units {
			u, ok := state[unit]
			if ok && u.ActiveState == "active" {
				continue
			}
			active := "not-found"
			if ok && u.LoadState != "not-found" {
				active = u.ActiveState
			}
			down = append(down, unit+"="+active)
			log.Warn("unit not active", logx.String("unit", unit), logx.String("state", active))

			if !opts.Restart || active != "failed" {
				continue
			}
			mu.Lock()
			last := lastRestart[unit]
			due := last.IsZero() || time.Since(last) >= cooldown
			if due {
				lastRestart[unit] = time.Now()
			}
			mu.Unlock()
			if !due {
				continue
			}
			if _, err := conn.RestartUnitContext(ctx, unit, "replace", nil); err != nil {
				log.Error("unit restart failed", logx.String("unit", unit), logx.Err(err))
				continue
			}
			log.Info("unit restarted", logx.String("unit", unit))
			restarted = append(restarted, unit)
		}

		if len(down) == 0 {
			return fmt.Sprintf("%d/%d active", len(units), len(units)), nil
		}
		detail := fmt.Sprintf("%d/%d active", len(units)-len(down), len(units))
		if len(restarted) > 0 {
			detail += ", restarted " + strings.Join(restarted, ",")
		}
		return detail, fmt.Errorf("units down: %s", strings.Join(down, ", "))
	}, nil
}
