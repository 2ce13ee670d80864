package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dupsnap",
	Short: "A CLI tool for curating photo collections",
	Long: `Dupsnap analyzes a folder of photos, groups near-duplicates by
perceptual fingerprint, scores sharpness and noise against thresholds
calibrated on the batch itself, and optionally removes or relocates the
flagged images.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
