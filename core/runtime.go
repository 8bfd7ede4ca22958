package core

import (
	"context"
	"log/slog"
	"reflect"
	"runtime"
	"time"

	"github.com/brambleworks/bramble/radio"
	"github.com/brambleworks/bramble/state"
)

// NewNode assembles a node from its config and a radio driver. Extra
// modules (the MQTT bridge, test instrumentation) are initialized after the
// core set so they can hook into it.
func NewNode(cfg state.NodeCfg, drv radio.Driver, logger *slog.Logger, extra ...state.Module) (*state.State, error) {
	tc, err := cfg.ResolveTransport()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &state.State{
		Env: &state.Env{
			DispatchChannel: make(chan func(*state.State) error, 128),
			NodeCfg:         cfg,
			TransportCfg:    tc,
			Context:         ctx,
			Cancel:          cancel,
			Log:             logger,
		},
		Modules: make(map[string]state.Module),
	}

	modules := []state.Module{
		&LinkTracker{},
		&Router{},
		&Bramble{Driver: drv},
		&Transport{},
		&Mesh{},
	}
	modules = append(modules, extra...)

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			Stop(s)
			return nil, err
		}
	}
	return s, nil
}

func MainLoop(s *state.State) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-s.DispatchChannel:
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
			if elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed)
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
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during cleanup: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
