package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "teeproof",
	Short: "teeproof verifies confidential inference completions",
	Long: `Verifies that an AI completion was produced inside attested hardware:
the TEE signature over the request and response hashes, the GPU attestation
token from the attestation authority, and the nonce that binds them.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
