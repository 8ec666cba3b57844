package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avickers/meshtalk/internal/relay"
	"github.com/avickers/meshtalk/internal/ui"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the rendezvous/relay service",
	Long: `Runs the relay that chat clients use to find each other and exchange
connection setup metadata. Chat messages never pass through it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, url, err := relay.Start(relayAddr)
		if err != nil {
			return err
		}
		ui.PrintSuccess("relay listening on " + url)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return srv.Close()
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8484", "listen address")
	rootCmd.AddCommand(relayCmd)
}
