// Package supervisor runs the agent's long-lived services under a suture
// tree so a crashed component is restarted without taking the others down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree 两层：pipeline (采集/打标/投递) 与 api (本地控制面)
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(log *zap.Logger, cfg TreeConfig) *Tree {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = EventHook(log)

	t := &Tree{
		root:     suture.New("capture-sentry", rootSpec),
		pipeline: suture.New("pipeline", spec),
		api:      suture.New("api", spec),
	}
	t.root.Add(t.pipeline)
	t.root.Add(t.api)
	return t
}

// EventHook 把 suture 事件写入 zap
func EventHook(log *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, 4)
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Type() {
		case suture.EventTypeServicePanic:
			log.Error("💥 "+e.String(), fields...)
		case suture.EventTypeResume:
			log.Info(e.String(), fields...)
		default:
			log.Warn(e.String(), fields...)
		}
	}
}

func (t *Tree) AddPipeline(svc suture.Service) suture.ServiceToken { return t.pipeline.Add(svc) }
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken      { return t.api.Add(svc) }

func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
