package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

type PipelineConfig struct {
	DeviceID  model.DeviceIdentity
	Period    time.Duration
	BatchSize int
	Topic     string
	QoS       byte
	// FlushTimeout bounds the wait for delivery of the last batch before a suspend.
	FlushTimeout time.Duration
	// Store keeps the batch sequence across suspends and reboots. Nil keeps it in memory.
	Store   store.Store
	Logger  *log.Logger
	Metrics metrics.Recorder
}

// Pipeline samples on a fixed period and publishes each full batch exactly once.
type Pipeline struct {
	cfg   PipelineConfig
	src   SensorSource
	codec Codec
	pub   Publisher
	flags *readiness.Flags
	power *PowerPolicy
	batch *model.SampleBatch

	warnedUnsynced bool
}

func NewPipeline(cfg PipelineConfig, src SensorSource, c Codec, pub Publisher, flags *readiness.Flags, power *PowerPolicy) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "pipeline: ", log.LstdFlags)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &Pipeline{
		cfg:   cfg,
		src:   src,
		codec: c,
		pub:   pub,
		flags: flags,
		power: power,
		batch: model.NewSampleBatch(cfg.BatchSize),
	}
}

// Run returns nil when ctx ends and a non-nil error only for fatal conditions.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.Store != nil {
		seq, err := store.GetUint(ctx, p.cfg.Store, store.KeyBatchSeq)
		if err != nil {
			p.cfg.Logger.Printf("load %s: %v", store.KeyBatchSeq, err)
		}
		p.batch.Seq = seq
	}

	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}
				return err
			}
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) error {
	s, err := p.src.Read()
	if err != nil {
		p.cfg.Metrics.SampleError()
		p.cfg.Logger.Printf("sensor read: %v", err)
		return nil
	}
	if !p.warnedUnsynced && !p.flags.IsSet(readiness.TimeSynced) {
		p.cfg.Logger.Printf("warning: sampling before time sync, timestamps may be wrong")
		p.warnedUnsynced = true
	}

	full, err := p.batch.Append(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	p.cfg.Metrics.SampleRead()
	if !full {
		return nil
	}
	return p.flush(ctx)
}

func (p *Pipeline) flush(ctx context.Context) error {
	p.batch.Seq++
	if p.cfg.Store != nil {
		if err := store.SetUint(ctx, p.cfg.Store, store.KeyBatchSeq, p.batch.Seq); err != nil {
			p.cfg.Logger.Printf("persist %s: %v", store.KeyBatchSeq, err)
		}
	}
	payload, err := p.codec.Encode(codec.Batch{
		DeviceID: p.cfg.DeviceID.String(),
		Seq:      p.batch.Seq,
		Samples:  p.batch.Samples(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode batch %d with %s: %w", ErrFatal, p.batch.Seq, p.codec.Name(), err)
	}

	token, err := p.publish(ctx, payload)
	if err != nil {
		return err
	}
	p.cfg.Metrics.BatchPublished()
	p.cfg.Logger.Printf("published batch %d (%d samples, %d bytes)", p.batch.Seq, p.batch.Len(), len(payload))

	if p.power != nil && p.power.ShouldSleep(p.batch) {
		if !token.WaitTimeout(p.cfg.FlushTimeout) {
			p.cfg.Logger.Printf("batch %d not acknowledged before suspend", p.batch.Seq)
		}
	} else {
		go p.watch(p.batch.Seq, token)
	}
	if p.power != nil {
		if err := p.power.Evaluate(ctx, p.batch); err != nil {
			return err
		}
	}
	p.batch.Reset()
	return nil
}

// publish waits for an open session and retries the same payload until the
// session accepts it.
func (p *Pipeline) publish(ctx context.Context, payload []byte) (broker.Token, error) {
	for {
		if err := p.flags.Wait(ctx, readiness.SessionOpen); err != nil {
			return nil, err
		}
		token, err := p.pub.Publish(p.cfg.Topic, payload, p.cfg.QoS, false)
		if errors.Is(err, ErrNotOpen) {
			p.cfg.Metrics.PublishNotOpen()
			continue
		}
		if err != nil {
			return nil, err
		}
		return token, nil
	}
}

func (p *Pipeline) watch(seq uint64, token broker.Token) {
	<-token.Done()
	if err := token.Error(); err != nil {
		p.cfg.Logger.Printf("batch %d delivery failed: %v", seq, err)
	}
}
