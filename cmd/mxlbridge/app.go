package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/flowdef"
	"github.com/zsiec/mxl/internal/config"
	"github.com/zsiec/mxl/internal/pipeline"
	"github.com/zsiec/mxl/internal/session"
	"github.com/zsiec/mxl/sink"
	"github.com/zsiec/mxl/source"
	"github.com/zsiec/mxl/store"
)

type app struct {
	dom *store.Domain
	mgr *session.Manager
}

// runner is a configured pipeline ready to run.
type runner struct {
	name   string
	role   string
	flowID uuid.UUID
	run    func(ctx context.Context) error
	stats  func() any
}

// build turns the configured producers and consumers into runners.
func (a *app) build(cfg *config.Config) ([]runner, error) {
	var out []runner
	for _, pc := range cfg.Producers {
		def, opts, err := producerFlow(pc)
		if err != nil {
			return nil, fmt.Errorf("producer %q: %w", pc.Name, err)
		}
		p := pipeline.NewProducer(a.dom, def, opts, slog.With("pipeline", pc.Name))
		out = append(out, runner{
			name:   pc.Name,
			role:   session.RoleProducer,
			flowID: def.ID,
			run:    p.Run,
			stats:  func() any { return p.Stats() },
		})
	}
	for _, cc := range cfg.Consumers {
		c := pipeline.NewConsumer(a.dom, cc.FlowID, source.Options{
			GrainTimeout:  cc.GrainTimeout(),
			SampleTimeout: cc.SampleTimeout(),
			BatchSize:     cc.BatchSize,
		}, slog.With("pipeline", cc.Name))
		out = append(out, runner{
			name:   cc.Name,
			role:   session.RoleConsumer,
			flowID: cc.FlowID,
			run:    c.Run,
			stats:  func() any { return c.Stats() },
		})
	}
	return out, nil
}

// run registers the pipeline for the inspector for as long as it runs.
func (a *app) run(ctx context.Context, r runner) error {
	if _, created := a.mgr.Create(r.name, r.role, r.flowID, r.stats); !created {
		return fmt.Errorf("pipeline %q already running", r.name)
	}
	defer a.mgr.Remove(r.name)

	if err := r.run(ctx); err != nil {
		return fmt.Errorf("%s %q: %w", r.role, r.name, err)
	}
	slog.Info("pipeline ended", "name", r.name, "role", r.role)
	return nil
}

// producerFlow builds the flow definition and options of a producer.
func producerFlow(pc config.Producer) (*flowdef.Definition, pipeline.ProducerOptions, error) {
	var opts pipeline.ProducerOptions
	flow := &store.FlowOptions{GrainCount: pc.GrainCount, BufferLength: pc.BufferLength}

	switch pc.Kind {
	case config.KindVideo:
		mode, err := sink.ParseMode(pc.Mode)
		if err != nil {
			return nil, opts, err
		}
		opts.Sink = sink.Options{Mode: mode, Flow: flow}
		def := flowdef.NewVideo(pc.FlowID, flowdef.VideoParams{
			Width:  pc.Width,
			Height: pc.Height,
			Rate:   flowdef.Rate{Numerator: int64(pc.RateN), Denominator: int64(pc.RateD)},
		})
		return def, opts, nil
	case config.KindAudio:
		opts.Sink = sink.Options{Flow: flow}
		opts.BufferDuration = pipeline.DefaultAudioBuffer
		if pc.BufferMs > 0 {
			opts.BufferDuration = time.Duration(pc.BufferMs) * time.Millisecond
		}
		opts.FrequencyHz = pc.FrequencyHz
		return flowdef.NewAudio(pc.FlowID, pc.SampleRate, pc.Channels, 32), opts, nil
	}
	return nil, opts, fmt.Errorf("unknown kind %q", pc.Kind)
}
