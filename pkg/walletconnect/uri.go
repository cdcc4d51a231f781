package walletconnect

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolVersion = "2"
	RelayProtocol   = "irn"
)

// PairingURI is the parsed form of wc:<topic>@<version>?relay-protocol=irn&symKey=<hex>.
type PairingURI struct {
	Topic         string
	Version       string
	RelayProtocol string
	SymKey        []byte
	Expiry        time.Time
}

func invalidURI(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPairingURI, fmt.Sprintf(format, args...))
}

// ParsePairingURI validates and decodes a pairing URI.
func ParsePairingURI(raw string) (*PairingURI, error) {
	raw = strings.TrimSpace(raw)
	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return nil, invalidURI("missing wc: scheme")
	}

	path, query, _ := strings.Cut(rest, "?")
	topic, version, ok := strings.Cut(path, "@")
	if !ok || topic == "" || version == "" {
		return nil, invalidURI("expected <topic>@<version>")
	}
	if version != ProtocolVersion {
		return nil, invalidURI("unsupported version %q", version)
	}
	if !isHex(topic, 32) {
		return nil, invalidURI("topic must be 32 bytes of hex")
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, invalidURI("bad query: %v", err)
	}

	relay := params.Get("relay-protocol")
	if relay == "" {
		return nil, invalidURI("missing relay-protocol")
	}
	if relay != RelayProtocol {
		return nil, invalidURI("unsupported relay protocol %q", relay)
	}

	symKeyHex := params.Get("symKey")
	if !isHex(symKeyHex, 32) {
		return nil, invalidURI("symKey must be 32 bytes of hex")
	}
	symKey, _ := hex.DecodeString(symKeyHex)

	u := &PairingURI{
		Topic:         strings.ToLower(topic),
		Version:       version,
		RelayProtocol: relay,
		SymKey:        symKey,
	}

	if exp := params.Get("expiryTimestamp"); exp != "" {
		secs, err := strconv.ParseInt(exp, 10, 64)
		if err != nil || secs <= 0 {
			return nil, invalidURI("bad expiryTimestamp")
		}
		u.Expiry = time.Unix(secs, 0)
	}
	return u, nil
}

func (u *PairingURI) String() string {
	q := url.Values{}
	q.Set("relay-protocol", u.RelayProtocol)
	q.Set("symKey", hex.EncodeToString(u.SymKey))
	if !u.Expiry.IsZero() {
		q.Set("expiryTimestamp", strconv.FormatInt(u.Expiry.Unix(), 10))
	}
	return fmt.Sprintf("wc:%s@%s?%s", u.Topic, u.Version, q.Encode())
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
