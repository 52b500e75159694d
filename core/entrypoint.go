package core

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/encodeous/netsim/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

func setupDebugging() {
	if state.DBG_debug {
		go func() {
			log.Println(http.ListenAndServe(state.DebugBind, nil))
		}()
	}
}

// NewLogger builds the console logger, fanned out to logPath as well when it is set.
func NewLogger(level slog.Level, prefix, logPath string) (*slog.Logger, func() error, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: prefix,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	closer := func() error { return nil }
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Bootstrap loads a topology, runs it to completion and returns the finished simulation.
func Bootstrap(topologyPath, logPath string, verbose bool) (*Simulation, error) {
	setupDebugging()
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg, err := state.ReadTopology(topologyPath)
	if err != nil {
		return nil, err
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	logger, closeLog, err := NewLogger(level, "netsim", cfg.LogPath)
	if err != nil {
		return nil, err
	}
	defer closeLog()
	return Start(cfg, logger)
}

// Start builds the simulation of cfg and drives it from a Serve loop until every scheduled
// event has run, or until SIGINT/SIGTERM.
func Start(cfg *state.TopologyCfg, logger *slog.Logger) (*Simulation, error) {
	sim, err := NewSimulationFromTopology(cfg, logger, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- sim.Serve(ctx)
	}()

	logger.Info("running simulation", "nodes", len(cfg.Nodes), "links", len(cfg.Links), "datagrams", len(cfg.Datagrams))
	_, err = sim.DispatchWait(ctx, func(s *Simulation) (any, error) {
		return nil, s.RunUntilIdle()
	})
	cancel(errors.New("simulation finished"))
	if serveErr := <-done; serveErr != nil && err == nil {
		err = serveErr
	}
	if err != nil {
		return sim, err
	}
	logger.Info("simulation finished", "time", sim.Now())
	return sim, nil
}
