package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kazukittin/dupsnap/internal/config"
	"github.com/kazukittin/dupsnap/internal/engine"
	"github.com/kazukittin/dupsnap/internal/fingerprint"
	"github.com/kazukittin/dupsnap/internal/logging"
	"github.com/kazukittin/dupsnap/internal/metrics"
	"github.com/kazukittin/dupsnap/internal/scan"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List duplicate groups without acting on them",
	Long: `Fingerprint a directory of photos and print the near-duplicate groups,
marking the representative that would be kept.

Examples:
  dupsnap groups --input ./photos
  dupsnap groups --input ./photos --similarity-threshold 10 --fingerprint dhash`,
	RunE: runGroups,
}

func init() {
	rootCmd.AddCommand(groupsCmd)

	defaults := config.DefaultSettings()
	groupsCmd.Flags().String("input", "", "Directory to analyze (required)")
	_ = groupsCmd.MarkFlagRequired("input")
	groupsCmd.Flags().Int("similarity-threshold", defaults.SimilarityThreshold, "Max Hamming distance for two images to count as duplicates (0-64)")
	groupsCmd.Flags().String("fingerprint", defaults.Fingerprint, "Fingerprint method: phash or dhash")
	groupsCmd.Flags().Int("workers", 0, "Extraction workers (0 = one per CPU)")
}

func runGroups(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	input := mustGetString(cmd, "input")
	similarity := mustGetInt(cmd, "similarity-threshold")
	if similarity < 0 || similarity > 64 {
		return fmt.Errorf("similarity threshold %d out of range 0-64", similarity)
	}
	method := fingerprint.ParseMethod(mustGetString(cmd, "fingerprint"))

	paths, err := scan.Images(input)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Printf("No images found in %s\n", input)
		return nil
	}

	session := engine.NewSession(logger, metrics.DefaultRegistry(), method, mustGetInt(cmd, "workers"), nil)

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("Fingerprinting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
	if err := session.Extract(cmd.Context(), paths, func() { bar.Add(1) }); err != nil {
		return err
	}
	fmt.Println()

	result, err := session.Evaluate(cmd.Context(), engine.RunParams{SimilarityThreshold: similarity})
	if err != nil {
		return err
	}

	if len(result.Groups) == 0 {
		fmt.Println("No duplicate groups found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, g := range result.Groups {
		fmt.Fprintf(w, "Group %d\t(%d images)\n", g.ID, g.Size())
		rep := g.Representative().Path
		for _, m := range g.Members {
			marker := ""
			if m.Path == rep {
				marker = "* keep"
			}
			fmt.Fprintf(w, "  %s\t%dpx\t%s\n", m.Path, m.Resolution, marker)
		}
	}
	w.Flush()
	fmt.Printf("%d duplicate groups\n", len(result.Groups))
	return nil
}
