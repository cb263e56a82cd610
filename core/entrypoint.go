package core

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/castellis/multivpn/perf"
	"github.com/castellis/multivpn/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// setupDebugging starts the pprof/metrics listener when requested via the
// environment.
func setupDebugging() {
	if os.Getenv("MULTIVPN_DEBUG") != "" {
		go func() {
			log.Println(http.ListenAndServe("localhost:6060", nil))
		}()
	}
}

// Bootstrap loads the config and runs the tunnel until a shutdown signal.
func Bootstrap(configPath, logPath string, verbose bool) error {
	setupDebugging()
	cfg, err := state.LoadConfig(configPath)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return Start(*cfg, level, logPath, nil, nil)
}

// Start runs one tunnel instance to completion. aux and initState are
// harness seams; production callers pass nil.
func Start(cfg state.Config, logLevel slog.Level, logPath string, aux map[string]any, initState **state.State) error {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(s *state.State) error, 128)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: "multivpn",
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			cancel(nil)
			return err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			cancel(nil)
			return err
		}
		defer f.Close()
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))

	s := state.State{
		Modules:  make(map[string]state.Module),
		Seen:     make(map[string]int),
		LastSeen: make(map[string]int),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			Config:          cfg,
			Log:             logger,
			AuxConfig:       aux,
		},
	}
	if initState != nil {
		*initState = &s
	}

	s.Log.Info("init modules")
	err := initModules(&s)
	if err != nil {
		Stop(&s)
		return err
	}
	s.Log.Info("init modules complete")

	if aux == nil {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-c:
				s.Cancel(errors.New("received shutdown signal"))
			case <-ctx.Done():
			}
			signal.Stop(c)
		}()
		watchStats(&s)
	}

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State) error {
	var modules []state.Module
	modules = append(modules, &Tunnel{})
	modules = append(modules, &Supervisor{})
	modules = append(modules, &Health{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a registered module by type.
func Get[T state.Module](s *state.State) T {
	return s.Modules[reflect.TypeFor[T]().String()].(T)
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}

// watchStats logs a per-link traffic summary on SIGUSR1.
func watchStats(s *state.State) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-c:
				s.Dispatch(func(s *state.State) error {
					for _, l := range s.Links {
						s.Log.Info("link",
							"name", l.Cfg.Name,
							"src", l.CurIP,
							"dst", l.Dst(),
							"active", l.Active,
							"healthy", l.Healthy(),
							"tried", l.Tried,
							"bound", l.Sock != nil)
					}
					return nil
				})
			case <-s.Context.Done():
				return
			}
		}
	}()
}
