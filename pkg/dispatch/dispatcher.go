package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subplex/subplex-go/pkg/subscription"
)

// DefaultMaxInFlight bounds concurrent subscribe operations.
const DefaultMaxInFlight = 64

// Registrar is the registry surface used by the Dispatcher.
type Registrar interface {
	Register(ctx context.Context, reg subscription.Registration) error
	Pending() []subscription.Target
	Resubscribe(ctx context.Context, target subscription.Target) error
}

var _ Registrar = (*subscription.Registry)(nil)

// Config configures a Dispatcher.
type Config struct {
	MaxInFlight int          `yaml:"max_in_flight"`
	Logger      *slog.Logger `yaml:"-"`
}

// Result is the outcome of one subscribe operation. Key is empty for
// resubscriptions, which act on a whole target.
type Result struct {
	Key     subscription.LogicalKey
	Target  subscription.Target
	Err     error
	Elapsed time.Duration
}

// Report summarizes a batch.
type Report struct {
	Succeeded int
	Failed    []Result
	Elapsed   time.Duration
}

// OK reports whether every operation of the batch succeeded.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// Dispatcher runs subscribe batches.
type Dispatcher struct {
	reg         Registrar
	maxInFlight int
	logger      *slog.Logger
}

// New creates a Dispatcher over reg.
func New(reg Registrar, config Config) *Dispatcher {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultMaxInFlight
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Dispatcher{
		reg:         reg,
		maxInFlight: config.MaxInFlight,
		logger:      config.Logger,
	}
}

// SubscribeMany registers every entry of regs concurrently. Results arrive
// in completion order; the channel is closed after the last one.
func (d *Dispatcher) SubscribeMany(ctx context.Context, regs []subscription.Registration) <-chan Result {
	out := make(chan Result, len(regs))
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(d.maxInFlight)
		for _, reg := range regs {
			g.Go(func() error {
				start := time.Now()
				err := d.reg.Register(ctx, reg)
				if err != nil {
					d.logger.Warn("subscribe failed", "key", string(reg.Key), "target", reg.Target.String(), "error", err)
				}
				out <- Result{Key: reg.Key, Target: reg.Target, Err: err, Elapsed: time.Since(start)}
				// Failures are reported per result and must not cancel siblings.
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// ResubscribeAll resubscribes every queued target concurrently and
// returns once each one is bound or has failed.
func (d *Dispatcher) ResubscribeAll(ctx context.Context) Report {
	start := time.Now()
	targets := d.reg.Pending()
	out := make(chan Result, len(targets))

	var g errgroup.Group
	g.SetLimit(d.maxInFlight)
	for _, target := range targets {
		g.Go(func() error {
			began := time.Now()
			err := d.reg.Resubscribe(ctx, target)
			out <- Result{Target: target, Err: err, Elapsed: time.Since(began)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)

	report := Collect(out)
	report.Elapsed = time.Since(start)
	if len(targets) > 0 {
		d.logger.Info("resubscribed", "targets", len(targets), "failed", len(report.Failed), "elapsed", report.Elapsed)
	}
	return report
}

// Collect drains results into a Report.
func Collect(results <-chan Result) Report {
	var r Report
	for res := range results {
		if res.Err != nil {
			r.Failed = append(r.Failed, res)
			continue
		}
		r.Succeeded++
	}
	return r
}
