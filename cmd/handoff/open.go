package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func newOpenCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "open FILE...",
		Short: "Open files, handing them to the running instance if there is one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runOpen(ctx, v, l, args)
		},
	}
}

func runOpen(ctx context.Context, v *viper.Viper, l log15.Logger, files []string) error {
	reg, metrics := newMetrics()
	inst, err := handoff.New(options(v, l, metrics)...)
	if err != nil {
		return err
	}
	defer inst.Close()

	first, err := inst.NewRequest(handoff.OperationReadFile, []byte(files[0]))
	if err != nil {
		return err
	}
	role, outcome, err := inst.Coordinate(ctx, first, func() { openFile(l, files[0]) })
	if err != nil {
		l.Warn("unable to hand off to the running instance", "err", err)
	}
	if role == handoff.RoleLeader {
		if err != nil {
			return err
		}
		for _, f := range files {
			openFile(l, f)
		}
		return lead(ctx, v, l, inst, reg)
	}

	l.Info("handed off", "file", files[0], "outcome", outcome)
	for _, f := range files[1:] {
		req, err := inst.NewRequest(handoff.OperationReadFile, []byte(f))
		if err != nil {
			l.Warn("file name too long to hand off", "file", f, "err", err)
			openFile(l, f)
			continue
		}
		outcome, err := inst.RunAsFollower(ctx, req, func() { openFile(l, f) })
		if err != nil {
			l.Warn("unable to hand off to the running instance", "file", f, "err", err)
		}
		l.Info("handed off", "file", f, "outcome", outcome)
	}
	return nil
}

// lead serves followers until ctx is done, exposing metrics if configured.
func lead(ctx context.Context, v *viper.Viper, l log15.Logger, inst *handoff.Instance, reg *prometheus.Registry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if addr := v.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			l.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serving metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// a torn down channel ends serving, and with it the metrics server
		defer cancel()
		// decide always runs before onAccepted for the same request.
		var mu sync.Mutex
		var pending string
		decide := func(req handoff.Request) bool {
			name, err := req.Filename()
			if err != nil {
				l.Info("declining request", "request", req, "err", err)
				return false
			}
			if _, err := os.Stat(name); err != nil {
				l.Info("declining file", "file", name, "err", err)
				return false
			}
			mu.Lock()
			pending = name
			mu.Unlock()
			return true
		}
		onAccepted := func() {
			mu.Lock()
			name := pending
			mu.Unlock()
			openFile(l, name)
		}
		err := inst.Serve(ctx, decide, onAccepted)
		if errors.Cause(err) == context.Canceled {
			return nil
		}
		return err
	})

	return g.Wait()
}

func openFile(l log15.Logger, name string) {
	st, err := os.Stat(name)
	if err != nil {
		l.Error("unable to open file", "file", name, "err", err)
		return
	}
	l.Info("opened file", "file", name, "size", st.Size())
}
