package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Dispatcher forwards session events into a bubbletea program. The session
// starts emitting events (roster snapshots arrive right after join) before
// the program exists, so early messages are buffered until Attach.
type Dispatcher struct {
	mu      sync.Mutex
	program *tea.Program
	backlog []tea.Msg
}

// Send delivers a message to the program, or buffers it until the backlog
// flush completes. Buffering covers both the pre-Attach window and the flush
// itself, so delivery order always matches send order.
func (d *Dispatcher) Send(msg tea.Msg) {
	d.mu.Lock()
	p := d.program
	if p == nil {
		d.backlog = append(d.backlog, msg)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	p.Send(msg)
}

// Attach binds the program. Program.Send blocks until Run is underway, so
// the backlog drains on its own goroutine; Attach itself never blocks, which
// lets the caller attach before calling Run. The program only becomes
// visible to Send once the backlog is empty.
func (d *Dispatcher) Attach(p *tea.Program) {
	go func() {
		for {
			d.mu.Lock()
			if len(d.backlog) == 0 {
				d.program = p
				d.mu.Unlock()
				return
			}
			msg := d.backlog[0]
			d.backlog = d.backlog[1:]
			d.mu.Unlock()

			p.Send(msg)
		}
	}()
}
