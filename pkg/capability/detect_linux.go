//go:build linux

package capability

import (
	"os"
	"os/exec"
)

// Detect prefers wl-copy under Wayland, then xclip or xsel under X11.
func Detect() Provider {
	p := &provider{platform: "linux"}
	switch {
	case os.Getenv("WAYLAND_DISPLAY") != "" && onPath("wl-copy"):
		p.clipboard = commandClipboard{name: "wl-copy"}
	case os.Getenv("DISPLAY") != "" && onPath("xclip"):
		p.clipboard = commandClipboard{name: "xclip", args: []string{"-selection", "clipboard"}}
	case os.Getenv("DISPLAY") != "" && onPath("xsel"):
		p.clipboard = commandClipboard{name: "xsel", args: []string{"--clipboard", "--input"}}
	}
	return p
}

func onPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
