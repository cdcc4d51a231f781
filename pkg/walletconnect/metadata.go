package walletconnect

import (
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Metadata describes a peer application or the wallet itself.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Sanitize trims fields and drops URLs that do not parse, so nothing a peer
// sends is shown to the user unchecked.
func (m Metadata) Sanitize() Metadata {
	out := Metadata{
		Name:        strings.TrimSpace(m.Name),
		Description: strings.TrimSpace(m.Description),
	}
	if u := strings.TrimSpace(m.URL); govalidator.IsURL(u) {
		out.URL = u
	}
	for _, icon := range m.Icons {
		icon = strings.TrimSpace(icon)
		if govalidator.IsURL(icon) {
			out.Icons = append(out.Icons, icon)
		}
	}
	return out
}

// DisplayName returns the best label for prompts.
func (m Metadata) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	if u, err := url.Parse(m.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return "Unknown app"
}
