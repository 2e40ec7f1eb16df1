package session

import (
	"sync"
	"time"
)

// DefaultHideDelay lets the close animation finish before the panel disappears.
const DefaultHideDelay = 300 * time.Millisecond

type stopper interface {
	Stop() bool
}

// HistoryPanel tracks visibility and selection of the conversation history panel.
type HistoryPanel struct {
	mu       sync.Mutex
	visible  bool
	closing  bool
	selected string
	delay    time.Duration
	gen      uint64
	pending  stopper
	onChange func()

	afterFunc func(time.Duration, func()) stopper
}

func NewHistoryPanel(delay time.Duration, onChange func()) *HistoryPanel {
	if delay <= 0 {
		delay = DefaultHideDelay
	}
	return &HistoryPanel{
		delay:    delay,
		onChange: onChange,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Toggle opens a hidden panel or starts hiding an open one. Toggling again before the
// hide delay elapses cancels the pending hide.
func (p *HistoryPanel) Toggle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.visible:
		p.visible = true
	case p.closing:
		p.cancelLocked()
	default:
		p.closing = true
		p.gen++
		gen := p.gen
		p.pending = p.afterFunc(p.delay, func() { p.finishHide(gen) })
	}
}

// Hide closes the panel right away.
func (p *HistoryPanel) Hide() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.visible = false
}

// State reports whether the panel is shown and whether a hide is pending.
func (p *HistoryPanel) State() (visible, closing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible, p.closing
}

func (p *HistoryPanel) Select(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = id
}

func (p *HistoryPanel) Deselect() {
	p.Select("")
}

func (p *HistoryPanel) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

func (p *HistoryPanel) cancelLocked() {
	p.gen++
	p.closing = false
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

func (p *HistoryPanel) finishHide(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.closing {
		p.mu.Unlock()
		return
	}
	p.visible = false
	p.closing = false
	p.pending = nil
	p.mu.Unlock()
	if p.onChange != nil {
		p.onChange()
	}
}
