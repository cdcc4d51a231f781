//go:build windows

package capability

func Detect() Provider {
	return &provider{platform: "windows", clipboard: commandClipboard{name: "clip"}}
}
