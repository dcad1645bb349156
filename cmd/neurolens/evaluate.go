package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neurolens/neurolens/internal/ensemble"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/orchestrator"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/tensor"
	"github.com/neurolens/neurolens/internal/transform"
)

type evaluateOptions struct {
	pipeline string
	data     string
	report   string
	wa       float64
	wb       float64
	single   bool
	batch    int
}

func newEvaluateCommand(ctx *commandContext) *cobra.Command {
	var opts evaluateOptions
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score an ensemble pipeline against a labelled image folder",
		Long: "Evaluate runs a pipeline over <data>/<class>/<file> samples and prints\n" +
			"accuracy with a per-class precision/recall/F1 report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("wa") {
				opts.wa = cfg.Ensemble.WeightSecondary
			}
			if !cmd.Flags().Changed("wb") {
				opts.wb = cfg.Ensemble.WeightPrimary
			}
			registry, err := newRegistry(cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = registry.Close()
				_ = model.ShutdownRuntime()
			}()
			rep, err := runEvaluate(cmd.Context(), registry, opts)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), rep.Render())
			if opts.report != "" {
				if err := rep.WriteFile(opts.report); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
				redact.Logf("evaluate: report written to %s", opts.report)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.pipeline, "pipeline", orchestrator.Pipelines[0].Name, "Pipeline name ("+pipelineNames()+") or model key such as parkinson/drawing")
	cmd.Flags().StringVar(&opts.data, "data", "", "Dataset root laid out as <class>/<file>")
	cmd.Flags().StringVar(&opts.report, "report", "", "Also write the report to this file")
	cmd.Flags().Float64Var(&opts.wa, "wa", 0.5, "Weight of the secondary model")
	cmd.Flags().Float64Var(&opts.wb, "wb", 0.5, "Weight of the primary model")
	cmd.Flags().BoolVar(&opts.single, "single", false, "Score the primary model alone (implied for keys without a secondary)")
	cmd.Flags().IntVar(&opts.batch, "batch", 8, "Samples scored concurrently")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func runEvaluate(ctx context.Context, registry *model.Registry, opts evaluateOptions) (*ensemble.Report, error) {
	p, ok := findPipeline(opts.pipeline)
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (want one of %s or a model key)", opts.pipeline, pipelineNames())
	}
	entry, ok := registry.Entry(p.Key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownKey, p.Key)
	}
	labels := p.Key.Classes()
	items, err := ensemble.LoadImageFolder(opts.data, labels)
	if err != nil {
		return nil, err
	}
	tr, err := transform.For(p.Key)
	if err != nil {
		return nil, err
	}
	primary, err := registry.Member(ctx, p.Key, model.Primary)
	if err != nil {
		return nil, err
	}

	predict := func(ctx context.Context, inputs []tensor.Tensor) (ensemble.Result, error) {
		return ensemble.Classify(ctx, primary, inputs, labels)
	}
	name := p.Name
	if !opts.single && entry.Secondary != nil {
		secondary, err := registry.Member(ctx, p.Key, model.Secondary)
		if err != nil {
			return nil, err
		}
		predict = func(ctx context.Context, inputs []tensor.Tensor) (ensemble.Result, error) {
			return ensemble.Predict(ctx, secondary, primary, inputs, labels, opts.wa, opts.wb)
		}
		name = fmt.Sprintf("%s ensemble (%.2f/%.2f)", p.Name, opts.wa, opts.wb)
	}
	return ensemble.Evaluate(ctx, name, items, labels, tr, predict, opts.batch)
}

// findPipeline resolves an ensemble pipeline by name, or any model key such
// as parkinson/drawing.
func findPipeline(name string) (orchestrator.Pipeline, bool) {
	name = strings.TrimSpace(name)
	for _, p := range orchestrator.Pipelines {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	key, err := modality.ParseKeyString(strings.ToLower(name))
	if err != nil {
		return orchestrator.Pipeline{}, false
	}
	return orchestrator.Pipeline{Name: key.String(), Key: key}, true
}

func pipelineNames() string {
	names := make([]string, len(orchestrator.Pipelines))
	for i, p := range orchestrator.Pipelines {
		names[i] = fmt.Sprintf("%q", p.Name)
	}
	return strings.Join(names, ", ")
}
