package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/export"
)

func newExportCommand(version, commit string) *cobra.Command {
	var (
		ruleDirs []string
		programs []string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export programs, rules, scripts and mappings as JSON",
		Example: `  fhirbridge export --rules ./rules
  fhirbridge export --rules ./rules --program anc --output anc.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := newEngine(config.Defaults().Scripts, zap.NewNop())
			if err != nil {
				return err
			}
			snap, err := eng.loadRules(ruleDirs)
			if err != nil {
				return err
			}

			doc, err := export.NewExporter(eng.providers, export.BuildInfo{Version: version, Commit: commit}).
				Export(snap, programs)
			if err != nil {
				return err
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return err
			}
			pretty.WriteByte('\n')

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			_, err = pretty.WriteTo(w)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&ruleDirs, "rules", nil, "rule directories")
	cmd.Flags().StringSliceVar(&programs, "program", nil, "tracker program ids to export (default all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}
