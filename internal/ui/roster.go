package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/peer"
)

// RosterTable renders the current participants and their link states, for
// the /who command.
func RosterTable(roster identity.Roster, selfID string, links map[string]peer.State) string {
	if len(roster) == 0 {
		return MutedStyle.Render("Nobody is online")
	}

	rows := make([][]string, 0, len(roster))
	for _, p := range roster {
		link := "-"
		if p.ID == selfID {
			link = "you"
		} else if state, ok := links[p.ID]; ok {
			link = state.String()
		}
		rows = append(rows, []string{p.DisplayName, shortID(p.ID), link})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(Primary).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("Name", "ID", "Link").
		Rows(rows...)

	return t.Render()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
