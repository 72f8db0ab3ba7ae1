package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atmx/water-market/internal/config"
	"github.com/atmx/water-market/internal/market"
)

type runOptions struct {
	maxRounds int
	seed      int64
	strategy  string
	verbose   bool
	jsonOut   bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <basin.yaml>",
		Short: "Run a basin until the market converges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBasin(cmd, args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.maxRounds, "max-rounds", 0, "round limit (default: the document's max_rounds)")
	cmd.Flags().Int64Var(&opts.seed, "seed", -1, "override the document's random seed")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "override the learning strategy (tatonnement, damping, sampler)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print every round")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the summary as JSON")
	return cmd
}

func runBasin(cmd *cobra.Command, path string, opts *runOptions) error {
	b, err := config.Load(path)
	if err != nil {
		return fail(cmd, "Invalid basin document", err)
	}
	if opts.seed >= 0 {
		b.Seed = uint64(opts.seed)
	}
	if opts.strategy != "" {
		b.Market.Strategy = opts.strategy
		if err := b.Validate(); err != nil {
			return fail(cmd, "Invalid strategy", err)
		}
	}
	maxRounds := b.Market.MaxRounds
	if opts.maxRounds > 0 {
		maxRounds = opts.maxRounds
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
	var observe func(*market.RoundReport)
	if opts.verbose && !opts.jsonOut {
		observe = func(rep *market.RoundReport) {
			fmt.Fprintf(out, "round %4d  buyers %d  sellers %d  fills %d  volume %.4f  avg %.4f  %s\n",
				rep.Round, rep.Buyers, rep.Sellers, len(rep.Fills), rep.Volume, rep.AveragePrice, rep.Rule)
			if rep.InjectionFailed != nil {
				red.Fprintf(out, "           no participant eligible for the missing %s side\n", *rep.InjectionFailed)
			}
			if rep.Injection != nil {
				yellow.Fprintf(out, "           injected participant %d as %s (usage %.4f)\n",
					rep.Injection.Participant, rep.Injection.Role, rep.Injection.Usage)
			}
		}
	}

	sum, err := e.Run(cmd.Context(), maxRounds, observe)
	if err != nil {
		return fail(cmd, "Simulation failed", err)
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Basin        string           `json:"basin"`
			Summary      *market.Summary  `json:"summary"`
			Participants []participantRow `json:"participants"`
		}{b.Name, sum, rows(e)})
	}

	if sum.Converged {
		green.Fprintf(out, "✓ converged after %d rounds (%s)\n", sum.Round, sum.Reason)
	} else {
		yellow.Fprintf(out, "⚠️  not converged after %d rounds\n", sum.Round)
	}
	fmt.Fprintf(out, "%d fills, volume %.4f\n\n", sum.Fills, sum.Volume)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTICIPANT\tROLE\tUSAGE\tPERMIT\tLIMIT\tMU")
	for _, r := range rows(e) {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\n", r.Name, r.Role, r.Usage, r.Permit, r.Limit, r.Mu)
	}
	return tw.Flush()
}

type participantRow struct {
	Name   string  `json:"name"`
	Role   string  `json:"role"`
	Usage  float64 `json:"usage"`
	Permit float64 `json:"permit"`
	Limit  float64 `json:"limit"`
	Mu     float64 `json:"mu"`
}

func rows(e *market.Engine) []participantRow {
	parts := e.Participants()
	out := make([]participantRow, len(parts))
	for i, p := range parts {
		out[i] = participantRow{
			Name:   p.Name,
			Role:   p.Role.String(),
			Usage:  p.Usage,
			Permit: p.Permit,
			Limit:  p.Limit,
			Mu:     p.Mu,
		}
	}
	return out
}
