package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pvbench/internal/models"
	"pvbench/pkg/aggregation"
	"pvbench/pkg/analysis"
	"pvbench/pkg/resultstore"
)

func newReportCmd(opts *options) *cobra.Command {
	var intervals string

	cmd := &cobra.Command{
		Use:   "report <artifact>",
		Short: "Summarise a result store",
		Long: `Summarise a result store: test-retest volume differences per method and
tissue, structure volume differences and the brain-volume weighted bias
profile of the comparison method against the baseline. Each resolution of
the profile weights subjects by their baseline volume at that resolution.

Example: pvbench report /data/hcp/HCP_data.db --intervals RetestIntervals.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load("")
			if err != nil {
				return err
			}
			tissues, err := cfg.WeightTissues()
			if err != nil {
				return err
			}

			art, err := resultstore.Read(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to read result store: %w", err)
			}

			months := 0.0
			if intervals != "" {
				f, err := os.Open(intervals)
				if err != nil {
					return err
				}
				defer f.Close()
				if months, err = analysis.MeanRetestInterval(f); err != nil {
					return err
				}
			}
			return writeAnalysis(cmd.OutOrStdout(), art, tissues, months)
		},
	}

	cmd.Flags().StringVar(&intervals, "intervals", "", "CSV of binned test-retest intervals per subject")
	return cmd
}

// writeAnalysis prints the summaries of one artifact. months is the mean
// retest interval, or zero when unknown.
func writeAnalysis(w io.Writer, art *resultstore.Artifact, tissues []models.Tissue, months float64) error {
	res := art.Result
	axes := res.Axes
	if len(axes.Resolutions) == 0 || len(axes.Methods) == 0 {
		return fmt.Errorf("result store has no resolutions or methods")
	}

	fmt.Fprintf(w, "Run %s created %s\n", art.RunID, art.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Subjects: %d  Resolutions: %d  Methods: %d\n",
		len(axes.Subjects), len(axes.Resolutions), len(axes.Methods))
	if months > 0 {
		fmt.Fprintf(w, "Mean test-retest interval: %.1f months\n", months)
	}

	sums := res.Tensor(aggregation.TensorSums)
	cellOK := res.Tensor(aggregation.TensorCellOK)

	fmt.Fprintf(w, "\nTest-retest volume difference (%%), %s voxels\n", axes.Resolutions[0].Label())
	fmt.Fprintf(w, "%-8s %-8s %4s %9s %9s %9s %9s\n", "Method", "Tissue", "N", "Mean", "StdDev", "Median", "IQR")
	diff, valid := analysis.SessionDifferences(sums, 0)
	for s := range axes.Subjects {
		if cellOK.At(s, 0) == 0 {
			for m := range axes.Methods {
				for t := range axes.Tissues {
					valid.Set(0, s, m, t)
				}
			}
		}
	}
	for m, method := range axes.Methods {
		for t, tissue := range axes.Tissues {
			sum, err := analysis.Summarize(analysis.Masked(diff, valid, m, t))
			if err != nil {
				fmt.Fprintf(w, "%-8s %-8s %4d %9s\n", method, tissue, 0, "-")
				continue
			}
			fmt.Fprintf(w, "%-8s %-8s %4d %9.3f %9.3f %9.3f %9.3f\n",
				method, tissue, sum.N, sum.Mean, sum.StdDev, sum.Median, sum.Q75-sum.Q25)
		}
	}

	if structs := res.Tensor(aggregation.TensorStructs); structs != nil && len(axes.Structures) > 0 {
		fmt.Fprintf(w, "\nTest-retest structure volume difference (%%)\n")
		fmt.Fprintf(w, "%-12s %4s %9s %9s\n", "Structure", "N", "Mean", "StdDev")
		sd, sv := analysis.StructureDifferences(structs)
		for k, name := range axes.Structures {
			sum, err := analysis.Summarize(analysis.Masked(sd, sv, k))
			if err != nil {
				fmt.Fprintf(w, "%-12s %4d %9s\n", name, 0, "-")
				continue
			}
			fmt.Fprintf(w, "%-12s %4d %9.3f %9.3f\n", name, sum.N, sum.Mean, sum.StdDev)
		}
	}

	weights, err := analysis.ResolutionWeights(sums, 0, tissues)
	if err != nil {
		return fmt.Errorf("cannot weight subjects: %w", err)
	}
	diffs := res.Tensor(aggregation.TensorDiffs)
	if diffs == nil || len(diffs.Shape) != 5 || diffs.Shape[4] == 0 {
		return nil
	}
	profile, err := analysis.BiasProfile(diffs, res.Tensor(aggregation.TensorDiffCounts), cellOK, weights)
	if err != nil {
		return err
	}

	centers := aggregation.Histogram{Edges: axes.HistBins}.Centers()
	fmt.Fprintf(w, "\nWeighted bias profile (baseline minus comparison) by baseline fraction\n")
	for t, tissue := range axes.Tissues {
		fmt.Fprintf(w, "%s\n%-6s", tissue, "Res")
		for _, c := range centers {
			fmt.Fprintf(w, " %7.3f", c)
		}
		fmt.Fprintln(w)
		for r, resolution := range axes.Resolutions {
			fmt.Fprintf(w, "%-6s", resolution.Label())
			for b := 0; b < profile.Shape[2]; b++ {
				fmt.Fprintf(w, " %7.3f", profile.At(r, t, b))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}
