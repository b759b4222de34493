package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/fhirbridge/internal/provider"
	"github.com/pitabwire/fhirbridge/internal/search"
	"github.com/pitabwire/fhirbridge/model"
)

func newTranslateCommand() *cobra.Command {
	var (
		version      string
		resourceType string
		strict       bool
	)

	cmd := &cobra.Command{
		Use:   "translate name=value...",
		Short: "Translate FHIR search parameters into a tracker query",
		Example: `  fhirbridge translate --type QuestionnaireResponse patient=Patient/abc status=completed
  fhirbridge translate --fhir-version DSTU3 --type CarePlan --strict subject=abc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			values := url.Values{}
			for _, arg := range args {
				name, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("argument %q is not name=value", arg)
				}
				values.Add(name, value)
			}

			providers, err := provider.Default()
			if err != nil {
				return err
			}
			q, entry, err := providers.Translate(model.FhirVersion(version), model.FhirResourceType(resourceType),
				search.ParseFilter(values, strict))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "operation: %s\n", entry.Provider.SearchOperation())
			fmt.Fprintf(out, "query: %s\n", q.Encode())
			if dropped := q.Dropped(); len(dropped) > 0 {
				fmt.Fprintf(out, "dropped: %s\n", strings.Join(dropped, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "fhir-version", string(model.FhirR4), "FHIR version (R4 or DSTU3)")
	cmd.Flags().StringVar(&resourceType, "type", "", "FHIR resource type")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on parameters that cannot be translated")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
