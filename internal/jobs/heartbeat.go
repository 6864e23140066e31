package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "workerd/pkg/logx"
)

const KindHeartbeat = "heartbeat"

type heartbeatOptions struct {
	Message string `json:"message"`
}

// NewHeartbeat logs a liveness line with uptime and beat count on every run.
func NewHeartbeat(name string, raw json.RawMessage, deps Deps) (Func, error) {
	opts := heartbeatOptions{Message: "alive"}
	if err := DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Message) == "" {
		opts.Message = "alive"
	}

	started := time.Now()
	var beats atomic.Uint64
	log := deps.Log.With(logx.String("worker", name))
	return func(context.Context) (string, error) {
		n := beats.Add(1)
		up := time.Since(started).Round(time.Second)
		log.Info(opts.Message, logx.Uint64("beat", n), logx.Duration("uptime", up))
		return fmt.Sprintf("beat %d, up %s", n, up), nil
	}, nil
}
