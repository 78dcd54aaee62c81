package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomrelay/internal/app"
	"roomrelay/pkg/systemd"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./relay.yaml", "path to config yaml or json")
	flag.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_ = systemd.Ready()
	_ = systemd.Status("listening on " + a.Addr())
	go systemd.Watchdog(ctx, systemd.WatchdogInterval(), func() bool { return a.Err() == nil })

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				_ = systemd.Reloading()
				if err := a.Reload(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				_ = systemd.Ready()
				_ = systemd.Status(a.StatusLine())
				continue
			}
			reason = app.StopSIGINT
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	_ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
