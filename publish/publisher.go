// Package publish turns an artifact declaration into push and tag
// invocations of oras and runs them against every configured registry.
package publish

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/artifact"
	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/logging"
	"github.com/luojun96/ipush/tool"
	"github.com/luojun96/ipush/tracing"
	"github.com/luojun96/ipush/vcs"
)

// ArtifactPublisher publishes one artifact.
type ArtifactPublisher interface {
	Publish(ctx context.Context, spec *artifact.Spec) (*Report, error)
}

// ToolFetcher resolves the oras binary.
type ToolFetcher interface {
	Fetch(ctx context.Context, t tool.Tool) (*tool.Binary, error)
}

// VersionResolver answers VCS queries.
type VersionResolver interface {
	Resolve(ctx context.Context, req vcs.Request) (vcs.Info, error)
}

// Options are the per-run settings of a Publisher.
type Options struct {
	Registries       []string
	UseGitCommitHash bool
	UseGitCommitTags bool
	Tool             tool.Tool
	// Env is passed to every oras invocation.
	Env       map[string]string
	SessionID string
}

// Publisher resolves an artifact into a Plan and executes it.
type Publisher struct {
	Options  Options
	Tools    ToolFetcher
	Layers   *LayerResolver
	Deps     *DependencyResolver
	Versions VersionResolver
	Executor *Executor
	Logger   *zap.SugaredLogger
	Tracer   trace.Tracer
}

var _ ArtifactPublisher = (*Publisher)(nil)

// Publish plans and executes spec. A resolution error aborts before any
// registry is contacted and is returned as the error; execution failures are
// carried by the report.
func (p *Publisher) Publish(ctx context.Context, spec *artifact.Spec) (*Report, error) {
	plan, err := p.Plan(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(plan.Registries) == 0 {
		p.logger(ctx).Warnf("no registries configured, nothing to publish for %s", spec.Name)
	}
	return p.Executor.Execute(ctx, plan), nil
}

// Plan resolves every input of spec without running any push or tag.
func (p *Publisher) Plan(ctx context.Context, spec *artifact.Spec) (*Plan, error) {
	start := time.Now()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := p.tracer().Start(ctx, "plan", trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, p.Options.SessionID),
		attribute.String(tracing.AttrArtifact, spec.Name),
		attribute.String(tracing.AttrRepository, spec.Repository),
	))
	defer span.End()

	plan, err := p.plan(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	p.logger(ctx).Infof("[%vs] planned %s: %d registries, %d tags each, input %s",
		int(time.Since(start).Seconds()), spec.Name, len(plan.Registries), len(plan.Tags), plan.Input)
	return plan, nil
}

// Targets lists the references a publish of spec would tag, in plan order.
// Only version control is consulted: the tool is not fetched and nothing is
// built.
func (p *Publisher) Targets(ctx context.Context, spec *artifact.Spec) ([]string, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	info, err := p.versionInfo(ctx)
	if err != nil {
		return nil, err
	}
	tags := FinalTags(info)
	plan := &Plan{Artifact: spec.Name, Tags: tags}
	for _, registry := range p.Options.Registries {
		plan.Registries = append(plan.Registries, &RegistryPlan{
			Registry: registry,
			URL:      TargetURL(registry, spec.Repository),
			Tags:     tags,
		})
	}
	return plan.Names(), nil
}

func (p *Publisher) versionInfo(ctx context.Context) (vcs.Info, error) {
	req := vcs.Request{CommitHash: p.Options.UseGitCommitHash, Tags: p.Options.UseGitCommitTags}
	if !req.CommitHash && !req.Tags {
		return vcs.Info{}, nil
	}
	info, err := p.Versions.Resolve(ctx, req)
	if err != nil {
		return vcs.Info{}, fmt.Errorf("failed to resolve version info: %w", err)
	}
	return info, nil
}

func (p *Publisher) plan(ctx context.Context, spec *artifact.Spec) (*Plan, error) {
	if len(spec.Layers) == 0 {
		return nil, &errdefs.EmptyArtifactError{Artifact: spec.Name}
	}

	bin, err := p.Tools.Fetch(ctx, p.Options.Tool)
	if err != nil {
		return nil, err
	}

	built, err := p.Deps.Build(ctx, spec.Dependencies)
	if err != nil {
		return nil, err
	}

	layers, err := p.Layers.Resolve(spec.Layers, built)
	if err != nil {
		return nil, err
	}

	input, err := p.Deps.Merge(layers.Digest, bin.Digest, built)
	if err != nil {
		return nil, err
	}

	info, err := p.versionInfo(ctx)
	if err != nil {
		return nil, err
	}

	b := &PlanBuilder{Tool: bin, Env: p.Options.Env}
	return b.Build(spec, layers, input, info, p.Options.Registries)
}

func (p *Publisher) logger(ctx context.Context) *zap.SugaredLogger {
	if p.Logger == nil {
		return logging.FromContext(ctx)
	}
	return p.Logger
}

func (p *Publisher) tracer() trace.Tracer {
	if p.Tracer == nil {
		return tracing.Noop()
	}
	return p.Tracer
}
