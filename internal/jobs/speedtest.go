package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"

	logx "workerd/pkg/logx"
)

const KindSpeedtest = "speedtest"

type speedtestOptions struct {
	// Servers is how many of the nearest servers are pinged.
	Servers int `json:"servers"`
	// FullTests is how many of the lowest-latency ones get a full
	// download/upload test, run one after another.
	FullTests      int     `json:"full_tests"`
	MaxConnections int     `json:"max_connections"`
	SavingMode     bool    `json:"saving_mode"`
	MinDownload    float64 `json:"min_download_mbps"`
	MinUpload      float64 `json:"min_upload_mbps"`
	FreeOSMemory   bool    `json:"free_os_memory"`
}

// speedResult is one averaged measurement.
type speedResult struct {
	DownloadMbps float64
	UploadMbps   float64
	Ping         time.Duration
	ISP          string
	Server       string
	Tested       int
}

func (o *speedtestOptions) normalize() error {
	if o.Servers <= 0 {
		o.Servers = 5
	}
	if o.FullTests <= 0 {
		o.FullTests = 1
	}
	o.FullTests = min(o.FullTests, o.Servers)
	if o.MaxConnections <= 0 {
		o.MaxConnections = 4
	}
	if o.MinDownload < 0 || o.MinUpload < 0 {
		return errors.New("min_download_mbps and min_upload_mbps must be >= 0")
	}
	return nil
}

// NewSpeedtest measures bandwidth against speedtest.net servers. A run fails
// when the result falls below a configured minimum.
func NewSpeedtest(name string, raw json.RawMessage, deps Deps) (Func, error) {
	var opts speedtestOptions
	if err := DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	log := deps.Log.With(logx.String("worker", name))
	return func(ctx context.Context) (string, error) {
		res, err := runSpeedtest(ctx, opts)
		if err != nil {
			return "", err
		}
		log.Info("speedtest finished",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.Duration("ping", res.Ping),
			logx.String("server", res.Server),
		)
		return checkSpeed(res, opts)
	}, nil
}

// checkSpeed formats res and enforces the configured minimums.
func checkSpeed(res speedResult, opts speedtestOptions) (string, error) {
	detail := fmt.Sprintf("down %.2f Mbps, up %.2f Mbps, ping %s via %s (%d tested)",
		res.DownloadMbps, res.UploadMbps, res.Ping.Round(time.Millisecond), res.Server, res.Tested)
	var errs []error
	if opts.MinDownload > 0 && res.DownloadMbps < opts.MinDownload {
		errs = append(errs, fmt.Errorf("download %.2f Mbps below %.2f", res.DownloadMbps, opts.MinDownload))
	}
	if opts.MinUpload > 0 && res.UploadMbps < opts.MinUpload {
		errs = append(errs, fmt.Errorf("upload %.2f Mbps below %.2f", res.UploadMbps, opts.MinUpload))
	}
	return detail, errors.Join(errs...)
}

func runSpeedtest(ctx context.Context, opts speedtestOptions) (speedResult, error) {
	// own client so no package-level speedtest state leaks between runs
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     opts.SavingMode,
		MaxConnections: opts.MaxConnections,
	}))
	stc.SetNThread(opts.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
		if opts.FreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return speedResult{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return speedResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return speedResult{}, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(opts.Servers, len(servers))]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range candidates {
		s := s
		g.Go(func() error {
			// a failed ping just drops the server
			_ = s.PingTestContext(gctx, nil)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return speedResult{}, err
	}

	pinged := make([]*st.Server, 0, len(candidates))
	for _, s := range candidates {
		if s.Latency > 0 {
			pinged = append(pinged, s)
		}
	}
	if len(pinged) == 0 {
		return speedResult{}, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var res speedResult
	var ping time.Duration
	for _, s := range pinged[:min(opts.FullTests, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return speedResult{}, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		if res.Tested == 0 {
			// lowest latency wins
			res.Server = s.Sponsor + " (" + s.Country + ")"
		}
		res.DownloadMbps += s.DLSpeed.Mbps()
		res.UploadMbps += s.ULSpeed.Mbps()
		ping += s.Latency
		res.Tested++
		stc.Snapshots().Clean()
	}
	if res.Tested == 0 {
		return speedResult{}, errors.New("full test failed for all servers")
	}
	n := float64(res.Tested)
	res.DownloadMbps /= n
	res.UploadMbps /= n
	res.Ping = ping / time.Duration(res.Tested)
	res.ISP = user.Isp
	return res, nil
}
