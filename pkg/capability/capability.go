// Package capability probes what the host can do for the gateway: whether a
// terminal is attached for PIN prompts and whether a system clipboard exists
// for copying secrets.
package capability

import (
	"os"

	"golang.org/x/term"
)

type Capabilities struct {
	Terminal  bool   `json:"terminal"`
	Clipboard bool   `json:"clipboard"`
	Platform  string `json:"platform"`
}

// Provider reports host capabilities. Implementations are platform specific
// and picked by Detect.
type Provider interface {
	Capabilities() Capabilities
	// Clipboard returns nil when the host has no clipboard.
	Clipboard() Clipboard
}

type provider struct {
	platform  string
	clipboard Clipboard
}

func (p *provider) Capabilities() Capabilities {
	return Capabilities{
		Terminal:  term.IsTerminal(int(os.Stdin.Fd())),
		Clipboard: p.clipboard != nil,
		Platform:  p.platform,
	}
}

func (p *provider) Clipboard() Clipboard {
	return p.clipboard
}

// Static is a Provider with fixed answers, used for headless runs and tests.
type Static struct {
	Caps Capabilities
	Clip Clipboard
}

func (s Static) Capabilities() Capabilities { return s.Caps }
func (s Static) Clipboard() Clipboard       { return s.Clip }
