package identity

import "github.com/google/uuid"

// Participant is one online user as the relay reports it. The ID is minted
// locally at join time; the display name is whatever the user typed and is
// neither unique nor verified.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// New mints a fresh identity for one join. A rejoin gets a new ID; identities
// are never reused across sessions.
func New(displayName string) Participant {
	return Participant{
		ID:          uuid.NewString(),
		DisplayName: displayName,
	}
}

// Roster is the arrival-ordered snapshot of everyone the relay considers
// online, including ourselves. Snapshots are replaced wholesale on every
// roster update, never edited in place.
type Roster []Participant

// Peers returns the roster minus the local participant, i.e. the set of
// remote ids a mesh should hold links to.
func (r Roster) Peers(selfID string) []Participant {
	peers := make([]Participant, 0, len(r))
	for _, p := range r {
		if p.ID == selfID {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// Contains reports whether the roster lists the given id.
func (r Roster) Contains(id string) bool {
	for _, p := range r {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Delta holds the participants that appeared or disappeared between two
// roster snapshots.
type Delta struct {
	Joined []Participant
	Left   []Participant
}

// Diff compares two roster snapshots by id set, excluding the local
// participant from both sides. It depends only on the two snapshots, not on
// the order the underlying signaling arrived in.
func Diff(prev, next Roster, selfID string) Delta {
	var d Delta
	for _, p := range next {
		if p.ID == selfID {
			continue
		}
		if !prev.Contains(p.ID) {
			d.Joined = append(d.Joined, p)
		}
	}
	for _, p := range prev {
		if p.ID == selfID {
			continue
		}
		if !next.Contains(p.ID) {
			d.Left = append(d.Left, p)
		}
	}
	return d
}
