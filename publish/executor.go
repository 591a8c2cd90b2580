package publish

import (
	"context"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/logging"
	"github.com/luojun96/ipush/pool"
	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/tracing"
)

// Outcome is the terminal result of one unit. Push failures produce a single
// outcome named after the target URL; otherwise there is one outcome per tag.
type Outcome struct {
	Name     string
	Registry string
	URL      string
	Tag      string
	State    State
	Digest   digest.Digest
	Err      error
}

// OK reports whether the unit reached TAGGED.
func (o Outcome) OK() bool {
	return o.State == StateTagged
}

// Report collects every outcome of a plan, grouped by registry in plan order.
type Report struct {
	Artifact string
	Outcomes []Outcome
	Elapsed  time.Duration
}

// Failed returns the outcomes that did not reach TAGGED.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err aggregates the failures, or returns nil when every unit succeeded.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Failed() {
		result = multierror.Append(result, o.Err)
	}
	return result.ErrorOrNil()
}

type task[T, R any] struct {
	t      T
	exec   func(ctx context.Context, t T) R
	result R
	done   bool
}

func (t *task[T, R]) Execute(ctx context.Context) {
	t.result = t.exec(ctx, t.t)
	t.done = true
}

// Executor runs plans. Registries are independent of each other; within a
// registry the tags start only after the push returned a digest.
type Executor struct {
	Runner process.Runner
	// Concurrency bounds the registries published at once, and the tags
	// applied at once within each registry. Zero means GOMAXPROCS.
	Concurrency int
	Logger      *zap.SugaredLogger
	Tracer      trace.Tracer
}

// Execute runs every unit of plan to a terminal state. It never stops early
// on a failure: a failed registry does not affect the others.
func (e *Executor) Execute(ctx context.Context, plan *Plan) *Report {
	start := time.Now()
	logger := e.logger(ctx)

	ctx, span := e.tracer().Start(ctx, "publish", trace.WithAttributes(
		attribute.String(tracing.AttrArtifact, plan.Artifact),
		attribute.String(tracing.AttrDigest, plan.Input.String()),
	))
	defer span.End()

	p := pool.NewWorkPool(e.concurrency())
	tasks := make([]*task[*RegistryPlan, []Outcome], 0, len(plan.Registries))
	for _, rp := range plan.Registries {
		t := &task[*RegistryPlan, []Outcome]{t: rp, exec: e.publishRegistry}
		tasks = append(tasks, t)
		p.AddTask(t)
	}
	if err := p.Run(ctx); err != nil {
		logger.Warnf("publish of %s interrupted: %v", plan.Artifact, err)
	}

	report := &Report{Artifact: plan.Artifact}
	for _, t := range tasks {
		if t.done {
			report.Outcomes = append(report.Outcomes, t.result...)
			continue
		}
		u := &unit{name: t.t.URL, state: StatePending}
		u.to(StatePushFailed)
		report.Outcomes = append(report.Outcomes, Outcome{
			Name:     t.t.URL,
			Registry: t.t.Registry,
			URL:      t.t.URL,
			State:    u.state,
			Err:      &errdefs.PushFailedError{URL: t.t.URL, Err: cancelled(ctx)},
		})
	}
	report.Elapsed = time.Since(start)

	if failed := len(report.Failed()); failed > 0 {
		span.SetStatus(codes.Error, "publish incomplete")
		logger.Errorf("[%vs] %d of %d units of %s failed.", int(report.Elapsed.Seconds()), failed, len(report.Outcomes), plan.Artifact)
	} else {
		logger.Infof("[%vs] %s is published to %d registries successfully.", int(report.Elapsed.Seconds()), plan.Artifact, len(plan.Registries))
	}
	return report
}

func (e *Executor) publishRegistry(ctx context.Context, rp *RegistryPlan) []Outcome {
	logger := e.logger(ctx).With("registry", rp.Registry)
	u := &unit{name: rp.URL, state: StatePending}
	failed := func(err error, output []byte) []Outcome {
		u.to(StatePushFailed)
		pushErr := &errdefs.PushFailedError{URL: rp.URL, Output: output, Err: err}
		logger.Errorf("failed to push to %s: %v", rp.URL, err)
		return []Outcome{{Name: rp.URL, Registry: rp.Registry, URL: rp.URL, State: u.state, Err: pushErr}}
	}
	if err := ctx.Err(); err != nil {
		return failed(err, nil)
	}

	u.to(StatePushing)
	logger.Infof("push to %s...", rp.URL)
	start := time.Now()
	pctx, span := e.tracer().Start(ctx, "push", trace.WithAttributes(
		attribute.String(tracing.AttrRegistry, rp.Registry),
		attribute.String(tracing.AttrTarget, rp.URL),
	))
	res, err := e.Runner.Run(pctx, rp.Push)
	var dgst digest.Digest
	if err == nil {
		dgst, err = ParsePushDigest(res.Stdout)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(tracing.AttrUnitState, StatePushFailed.String()))
		span.End()
		return failed(err, res.CombinedOutput())
	}
	u.to(StatePushed)
	span.SetAttributes(
		attribute.String(tracing.AttrDigest, dgst.String()),
		attribute.String(tracing.AttrUnitState, u.state.String()),
	)
	span.End()
	logger.Infof("push to %s successfully, digest %s, elapse %ds.", rp.URL, dgst, int(time.Since(start).Seconds()))

	return e.tagRegistry(ctx, rp, dgst)
}

func (e *Executor) tagRegistry(ctx context.Context, rp *RegistryPlan, dgst digest.Digest) []Outcome {
	units := rp.TagUnits(dgst)
	p := pool.NewWorkPool(e.concurrency())
	tasks := make([]*task[Unit, Outcome], 0, len(units))
	for _, tu := range units {
		t := &task[Unit, Outcome]{t: tu, exec: func(ctx context.Context, tu Unit) Outcome {
			return e.tag(ctx, rp, dgst, tu)
		}}
		tasks = append(tasks, t)
		p.AddTask(t)
	}
	_ = p.Run(ctx)

	outcomes := make([]Outcome, 0, len(tasks))
	for _, t := range tasks {
		if t.done {
			outcomes = append(outcomes, t.result)
			continue
		}
		u := &unit{name: t.t.Name, state: StatePushed}
		u.to(StateTagFailed)
		outcomes = append(outcomes, Outcome{
			Name:     t.t.Name,
			Registry: rp.Registry,
			URL:      rp.URL,
			Tag:      t.t.Tag,
			State:    u.state,
			Digest:   dgst,
			Err:      &errdefs.TagFailedError{Name: t.t.Name, Err: cancelled(ctx)},
		})
	}
	return outcomes
}

func (e *Executor) tag(ctx context.Context, rp *RegistryPlan, dgst digest.Digest, tu Unit) Outcome {
	u := &unit{name: tu.Name, state: StatePushed}
	out := Outcome{Name: tu.Name, Registry: rp.Registry, URL: rp.URL, Tag: tu.Tag, Digest: dgst}

	u.to(StateTagging)
	ctx, span := e.tracer().Start(ctx, "tag", trace.WithAttributes(
		attribute.String(tracing.AttrTarget, rp.URL),
		attribute.String(tracing.AttrTag, tu.Tag),
		attribute.String(tracing.AttrDigest, dgst.String()),
	))
	defer span.End()

	res, err := e.Runner.Run(ctx, tu.Process)
	if err != nil {
		u.to(StateTagFailed)
		out.State = u.state
		out.Err = &errdefs.TagFailedError{Name: tu.Name, Output: res.CombinedOutput(), Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(tracing.AttrUnitState, u.state.String()))
		e.logger(ctx).Errorf("failed to tag %s: %v", tu.Name, err)
		return out
	}
	u.to(StateTagged)
	out.State = u.state
	span.SetAttributes(attribute.String(tracing.AttrUnitState, u.state.String()))
	e.logger(ctx).Infof("tagged %s", tu.Name)
	return out
}

func (e *Executor) concurrency() int {
	if e.Concurrency > 0 {
		return e.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

func (e *Executor) logger(ctx context.Context) *zap.SugaredLogger {
	if e.Logger == nil {
		return logging.FromContext(ctx)
	}
	return e.Logger
}

func (e *Executor) tracer() trace.Tracer {
	if e.Tracer == nil {
		return tracing.Noop()
	}
	return e.Tracer
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}
