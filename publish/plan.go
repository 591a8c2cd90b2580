package publish

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/luojun96/ipush/artifact"
	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/tool"
	"github.com/luojun96/ipush/vcs"
)

// LatestTag is always applied first.
const LatestTag = "latest"

// Unit is one named external action of a plan.
type Unit struct {
	Name    string
	Tag     string
	Process process.Process
}

// RegistryPlan is the work for one registry: a push, then one tag per entry
// of Tags once the push digest is known.
type RegistryPlan struct {
	Registry string
	URL      string
	Push     process.Process
	Tags     []string

	tool *tool.Binary
	env  map[string]string
}

// TagUnits builds the tag invocations of the registry. They reference the
// digest returned by the push, so they cannot exist before it.
func (r *RegistryPlan) TagUnits(pushed digest.Digest) []Unit {
	units := make([]Unit, 0, len(r.Tags))
	for _, tag := range r.Tags {
		name := r.URL + ":" + tag
		units = append(units, Unit{
			Name: name,
			Tag:  tag,
			Process: process.Process{
				Argv:        []string{r.tool.Exe, "tag", r.URL + "@" + pushed.String(), name},
				InputDigest: r.tool.Digest,
				Description: fmt.Sprintf("Tag %s with %s", r.URL, tag),
				Env:         copyEnv(r.env),
				Interactive: true,
			},
		})
	}
	return units
}

// Plan is the full publish work of one artifact.
type Plan struct {
	Artifact string
	Input    digest.Digest
	// Tags is the final tag list applied in every registry.
	Tags       []string
	Registries []*RegistryPlan
}

// Names lists the tag unit names in execution order.
func (p *Plan) Names() []string {
	var names []string
	for _, r := range p.Registries {
		for _, tag := range r.Tags {
			names = append(names, r.URL+":"+tag)
		}
	}
	return names
}

// PlanBuilder turns resolved inputs into a Plan.
type PlanBuilder struct {
	Tool *tool.Binary
	// Env is the environment of every oras invocation.
	Env map[string]string
}

// Build creates one RegistryPlan per registry, in order, without
// deduplication.
func (b *PlanBuilder) Build(spec *artifact.Spec, layers *LayerSet, input digest.Digest, info vcs.Info, registries []string) (*Plan, error) {
	if layers == nil || len(layers.Layers) == 0 {
		return nil, &errdefs.EmptyArtifactError{Artifact: spec.Name}
	}
	if b.Tool == nil {
		return nil, &errdefs.MissingToolError{Tool: tool.Name}
	}
	if input == "" {
		return nil, fmt.Errorf("artifact %s: push input is not resolved", spec.Name)
	}

	tags := FinalTags(info)
	plan := &Plan{Artifact: spec.Name, Input: input, Tags: tags}
	for _, registry := range registries {
		url := TargetURL(registry, spec.Repository)
		plan.Registries = append(plan.Registries, &RegistryPlan{
			Registry: registry,
			URL:      url,
			Push: process.Process{
				Argv:        b.pushArgs(spec, layers, url),
				InputDigest: input,
				Description: fmt.Sprintf("Push to %s", url),
				Env:         copyEnv(b.Env),
			},
			Tags: tags,
			tool: b.Tool,
			env:  b.Env,
		})
	}
	return plan, nil
}

func (b *PlanBuilder) pushArgs(spec *artifact.Spec, layers *LayerSet, url string) []string {
	args := []string{b.Tool.Exe, "push", "--artifact-type", spec.ArtifactType}
	for _, a := range spec.Annotations {
		args = append(args, "--annotation", a.Key+"="+a.Value)
	}
	args = append(args, url)
	return append(args, layers.Args()...)
}

// FinalTags returns "latest" followed by the VCS tags and commit hash.
func FinalTags(info vcs.Info) []string {
	return append([]string{LatestTag}, info.Tags()...)
}

// TargetURL joins a registry and a repository with exactly one slash.
func TargetURL(registry, repository string) string {
	return strings.TrimRight(registry, "/") + "/" + repository
}

// ParsePushDigest extracts the pushed manifest digest from push output: the
// last whitespace-separated token of the last non-empty line.
func ParsePushDigest(stdout []byte) (digest.Digest, error) {
	lines := bytes.Split(stdout, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(string(lines[i]))
		if len(fields) == 0 {
			continue
		}
		dgst, err := digest.Parse(fields[len(fields)-1])
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errdefs.ErrUnparsableOutput, fields[len(fields)-1], err)
		}
		return dgst, nil
	}
	return "", fmt.Errorf("%w: no output", errdefs.ErrUnparsableOutput)
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
