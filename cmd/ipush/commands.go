package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/luojun96/ipush/artifact"
	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/publish"
	"github.com/luojun96/ipush/registry"
)

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <artifact-file>...",
		Short: "Push every declared artifact to every registry and tag it",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			pub, err := a.publisher(cmd)
			if err != nil {
				return err
			}
			return eachArtifact(ctx, args, func(spec *artifact.Spec) error {
				report, err := pub.Publish(ctx, spec)
				if err != nil {
					if errdefs.IsResolution(err) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: aborted before contacting any registry: %s\n", spec.Name, firstLine(err.Error()))
					}
					a.logger.Errorf("failed to publish %s: %v", spec.Name, err)
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return report.Err()
			})
		}),
	}
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <artifact-file>...",
		Short: "Resolve artifacts and print the oras invocations without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			pub, err := a.publisher(cmd)
			if err != nil {
				return err
			}
			return eachArtifact(ctx, args, func(spec *artifact.Spec) error {
				plan, err := pub.Plan(ctx, spec)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			})
		}),
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	var insecure bool
	cmd := &cobra.Command{
		Use:   "verify <artifact-file>...",
		Short: "Check that every tag of the declared artifacts resolves in its registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			pub, err := a.publisher(cmd)
			if err != nil {
				return err
			}
			resolver := &registry.Resolver{Logger: a.logger, Insecure: insecure}
			return eachArtifact(ctx, args, func(spec *artifact.Spec) error {
				names, err := pub.Targets(ctx, spec)
				if err != nil {
					return err
				}
				return verify(ctx, cmd.OutOrStdout(), resolver, names)
			})
		}),
	}
	cmd.Flags().BoolVar(&insecure, "insecure", false, "use plain HTTP for every registry")
	return cmd
}

// eachArtifact runs fn for every valid artifact of every file in order,
// continuing past failures, and returns them all.
func eachArtifact(ctx context.Context, files []string, fn func(spec *artifact.Spec) error) error {
	var result *multierror.Error
	for _, file := range files {
		specs, err := artifact.Load(file)
		if err != nil {
			result = multierror.Append(result, err)
		}
		for i := range specs {
			if err := ctx.Err(); err != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}
			if err := fn(&specs[i]); err != nil {
				result = multierror.Append(result, fmt.Errorf("artifact %s: %w", specs[i].Name, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func printReport(w io.Writer, report *publish.Report) {
	fmt.Fprintf(w, "%s: %d of %d units succeeded in %vs\n",
		report.Artifact, len(report.Outcomes)-len(report.Failed()), len(report.Outcomes), int(report.Elapsed.Seconds()))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, o := range report.Outcomes {
		detail := o.Digest.String()
		if o.Err != nil {
			detail = firstLine(o.Err.Error())
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", o.State, o.Name, detail)
	}
	_ = tw.Flush()
}

func printPlan(w io.Writer, plan *publish.Plan) {
	fmt.Fprintf(w, "%s\n  input: %s\n  tags:  %s\n", plan.Artifact, plan.Input, strings.Join(plan.Tags, ", "))
	for _, rp := range plan.Registries {
		fmt.Fprintf(w, "  %s\n    push: %s\n", rp.Registry, strings.Join(rp.Push.Argv, " "))
		for _, tag := range rp.Tags {
			fmt.Fprintf(w, "    tag:  %s:%s\n", rp.URL, tag)
		}
	}
}

// verify resolves names and checks that the tags of one repository agree on
// the manifest they point at. Each registry is pinged once before its first
// lookup; the names of an unreachable registry are not looked up.
func verify(ctx context.Context, w io.Writer, resolver *registry.Resolver, names []string) error {
	var result *multierror.Error
	repos := make(map[string]digest.Digest)
	pinged := make(map[string]error)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		target, err := resolver.Target(name)
		if err != nil {
			fmt.Fprintf(tw, "  MISSING\t%s\t%s\n", name, firstLine(err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		pingErr, seen := pinged[target.Host]
		if !seen {
			pingErr = target.Registry.Ping(ctx)
			pinged[target.Host] = pingErr
			if pingErr != nil {
				fmt.Fprintf(tw, "  UNREACHABLE\t%s\t%s\n", target.Host, firstLine(pingErr.Error()))
				result = multierror.Append(result, fmt.Errorf("registry %s: %w", target.Host, pingErr))
			}
		}
		if pingErr != nil {
			continue
		}

		desc, err := target.Registry.ManifestDescriptor(ctx, target.Repository, target.Identifier)
		if err != nil {
			fmt.Fprintf(tw, "  MISSING\t%s\t%s\n", name, firstLine(err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		repo := target.Host + "/" + target.Repository
		if want, ok := repos[repo]; ok && want != desc.Digest {
			fmt.Fprintf(tw, "  MISMATCH\t%s\t%s != %s\n", name, desc.Digest, want)
			result = multierror.Append(result, fmt.Errorf("%s resolves to %s, other tags to %s", name, desc.Digest, want))
			continue
		}
		repos[repo] = desc.Digest
		fmt.Fprintf(tw, "  OK\t%s\t%s\n", name, desc.Digest)
	}
	_ = tw.Flush()
	return result.ErrorOrNil()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
