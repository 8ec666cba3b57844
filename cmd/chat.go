package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/config"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/session"
	"github.com/avickers/meshtalk/internal/ui"
)

var chatOpts struct {
	name     string
	relay    string
	stun     string
	turn     string
	turnUser string
	turnPass string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join the mesh and start chatting",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := chatOpts.name
		if name == "" {
			name = os.Getenv("USER")
		}
		if name == "" {
			return fmt.Errorf("no display name; pass --name")
		}

		cfg, err := config.Load(config.Options{
			RelayURL:   chatOpts.relay,
			STUNServer: chatOpts.stun,
			TURNServer: chatOpts.turn,
			TURNUser:   chatOpts.turnUser,
			TURNPass:   chatOpts.turnPass,
		})
		if err != nil {
			return err
		}

		return runChat(cfg, name)
	},
}

func runChat(cfg *config.Config, name string) error {
	dispatch := &ui.Dispatcher{}

	sess := session.New(cfg, session.Callbacks{
		Connected: func(self identity.Participant) {
			dispatch.Send(ui.ConnectedMsg{Self: self})
		},
		Disconnected: func() {
			dispatch.Send(ui.DisconnectedMsg{})
		},
		RosterChanged: func(roster identity.Roster, delta identity.Delta) {
			dispatch.Send(ui.RosterMsg{Roster: roster, Delta: delta})
		},
		MessageReceived: func(msg chat.Message) {
			dispatch.Send(ui.ChatMsg{Message: msg})
		},
		Error: func(kind session.ErrorKind, reason string) {
			dispatch.Send(ui.SessionErrorMsg{Kind: kind, Reason: reason})
		},
	})
	defer sess.Shutdown()

	self, err := sess.Join(name)
	if err != nil {
		return fmt.Errorf("could not join: %w", err)
	}

	program := tea.NewProgram(ui.NewChat(sess, self), tea.WithAltScreen())
	dispatch.Attach(program)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("ui error: %w", err)
	}
	return nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatOpts.name, "name", "n", "", "display name shown to other participants")
	chatCmd.Flags().StringVar(&chatOpts.relay, "relay", "", "relay websocket URL (default "+config.DefaultRelayURL+")")
	chatCmd.Flags().StringVar(&chatOpts.stun, "stun", "", "comma-separated STUN server URLs")
	chatCmd.Flags().StringVar(&chatOpts.turn, "turn", "", "TURN server for restrictive networks")
	chatCmd.Flags().StringVar(&chatOpts.turnUser, "turn-user", "", "TURN username")
	chatCmd.Flags().StringVar(&chatOpts.turnPass, "turn-pass", "", "TURN password")

	rootCmd.AddCommand(chatCmd)
}
