//go:build darwin

package capability

func Detect() Provider {
	return &provider{platform: "darwin", clipboard: commandClipboard{name: "pbcopy"}}
}
