package commands

import (
	"github.com/spf13/cobra"

	"github.com/atmx/water-market/internal/config"
	"github.com/atmx/water-market/internal/participant"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <basin.yaml>",
		Short: "Check a basin document and report its network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := config.Load(args[0])
			if err != nil {
				return fail(cmd, "Invalid basin document", err)
			}
			logger, err := engineLogger(cmd.ErrOrStderr())
			if err != nil {
				return fail(cmd, "Invalid log level", err)
			}
			e, err := b.Build(logger)
			if err != nil {
				return fail(cmd, "Cannot build market", err)
			}

			out := cmd.OutOrStdout()
			green.Fprintf(out, "✓ %s: %d participants, %s market, %s learning\n",
				args[0], e.Size(), b.Market.Mode, b.Market.Strategy)
			for _, p := range e.Participants() {
				line := cyan
				if p.Label == participant.Over {
					line = yellow
				}
				line.Fprintf(out, "  %-12s limit %8.3f  permit %8.3f  %s\n", p.Name, p.Limit, p.Permit, p.Label)
			}
			return nil
		},
	}
}
