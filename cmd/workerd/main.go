package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"workerd/internal/app"
	logx "workerd/pkg/logx"
)

func main() {
	var (
		cfgPath string
		check   bool
	)
	flag.StringVar(&cfgPath, "config", "./workerd.yaml", "path to config (json or yaml)")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.Parse()

	if check {
		if err := app.Check(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config invalid:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}
	os.Exit(run(cfgPath))
}

func run(cfgPath string) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// the configured logger only exists once the config has loaded
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))
	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		return 1
	}
	log := a.Logger()
	notify := a.Config().Systemd.Notify

	if err := a.Start(context.Background()); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	sdNotify(notify, log, daemon.SdNotifyReady)

	reason := app.StopUnknown
	code := 0
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		code = 1
		log.Error("fatal error", logx.Err(a.Err()))
	}

	sdNotify(notify, log, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		// the app's own log sinks are closed by now
		boot.Warn("stop incomplete", logx.String("reason", string(reason)), logx.Err(err))
	}
	return code
}

func sdNotify(enabled bool, log logx.Logger, state string) {
	if !enabled {
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
