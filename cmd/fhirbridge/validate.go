package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/internal/config"
	"github.com/pitabwire/fhirbridge/internal/rule"
	"github.com/pitabwire/fhirbridge/model"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Validate rule directories",
		Long: `Validate rule directories without starting the server.

Every script slot of every rule is checked against its contract, every script
is compiled, and active rules are checked for ambiguous anchors. Each problem
is printed on its own line and the command fails when there is any.`,
		Example: `  fhirbridge validate ./rules
  fhirbridge validate ./rules/common ./rules/anc`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(config.Defaults().Scripts, zap.NewNop())
			if err != nil {
				return err
			}
			set, err := rule.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			snap, err := eng.rules.Replace(set)
			if err != nil {
				var cv *model.ContractViolationError
				if errors.As(err, &cv) {
					for _, v := range cv.Violations {
						fmt.Fprintln(out, v.Error())
					}
					return fmt.Errorf("%d violation(s)", len(cv.Violations))
				}
				fmt.Fprintln(out, err.Error())
				return errors.New("rule set rejected")
			}

			fmt.Fprintf(out, "rule set version %d is valid: %d rules (%d active), %d programs\n",
				snap.Version(), len(snap.Rules()), snap.ActiveRules(), len(snap.Programs()))
			return nil
		},
	}
}
