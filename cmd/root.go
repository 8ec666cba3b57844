package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/avickers/meshtalk/internal/ui"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshtalk",
	Short: "Serverless peer-to-peer chat over WebRTC",
	Long: `Meshtalk is a terminal chat where messages travel directly between
participants over WebRTC data channels. A relay service is used only to
discover who is online and to exchange connection setup metadata; no message
content ever passes through it.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
