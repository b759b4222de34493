package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/repository"
	"github.com/pitabwire/fhirbridge/internal/transform"
	"github.com/pitabwire/fhirbridge/internal/transport"
	"github.com/pitabwire/fhirbridge/model"
)

func newTransformCommand() *cobra.Command {
	var (
		ruleDirs []string
		input    string
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Dry run a batch of resources through the rules",
		Long: `Run a batch of inputs through the transformation pipeline against an
in-memory repository and print the results as JSON. The input document has the
same shape as the body of POST /transform.`,
		Example: `  fhirbridge transform --rules ./rules --input batch.json
  cat batch.json | fhirbridge transform --rules ./rules`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var req transport.TransformRequest
			if err := json.NewDecoder(r).Decode(&req); err != nil {
				return fmt.Errorf("decoding input: %w", err)
			}

			eng, err := newEngine(config.Defaults().Scripts, zap.NewNop())
			if err != nil {
				return err
			}
			if _, err := eng.loadRules(ruleDirs); err != nil {
				return err
			}

			orchestrator := transform.NewOrchestrator(eng.dispatcher, repository.NewMemory(),
				transform.WithLedger(transform.NewMemoryLedger()))
			pipeline := transform.NewPipeline(eng.rules, eng.providers, transform.NewRunner(orchestrator, parallel))

			correlationID := uuid.NewString()
			ins := make([]transform.Input, len(req.Inputs))
			for i, in := range req.Inputs {
				ins[i] = in.Input(correlationID)
			}

			resp := transport.TransformResponse{}
			fatal := 0
			for _, item := range pipeline.ProcessAll(cmd.Context(), ins) {
				resp.Results = append(resp.Results, transport.NewTransformResult(item))
				if model.IsFatal(item.Err) {
					fatal++
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if fatal > 0 {
				return fmt.Errorf("%d input(s) failed on rule configuration", fatal)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ruleDirs, "rules", nil, "rule directories")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "input file (default stdin)")
	cmd.Flags().IntVar(&parallel, "parallel", transform.DefaultParallelRuns, "maximum parallel runs")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}
