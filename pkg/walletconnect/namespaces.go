package walletconnect

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const NamespaceEIP155 = "eip155"

// AllowedMethods is the signing allow-list. Nothing else reaches the signer.
var AllowedMethods = []string{
	"personal_sign",
	"eth_sign",
	"eth_signTypedData",
	"eth_signTypedData_v4",
	"eth_sendTransaction",
	"eth_signTransaction",
}

var DefaultEvents = []string{"accountsChanged", "chainChanged"}

type ProposalNamespace struct {
	Chains  []string `json:"chains,omitempty"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type SessionNamespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

func ChainRef(chainID int64) string {
	return fmt.Sprintf("%s:%d", NamespaceEIP155, chainID)
}

// ParseChainRef parses "eip155:<id>".
func ParseChainRef(ref string) (int64, error) {
	ns, id, ok := strings.Cut(ref, ":")
	if !ok || ns != NamespaceEIP155 {
		return 0, fmt.Errorf("not an %s chain: %q", NamespaceEIP155, ref)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad chain id in %q", ref)
	}
	return n, nil
}

func AccountRef(chainID int64, addr common.Address) string {
	return fmt.Sprintf("%s:%d:%s", NamespaceEIP155, chainID, addr.Hex())
}

// Grant is what the wallet agrees to for one session.
type Grant struct {
	Chains  []int64
	Methods []string
	Events  []string
}

// BuildGrant restricts the requested eip155 chains to supported. Methods are
// the allow-list filtered by what was requested, or the whole allow-list
// when nothing was. An empty chain intersection is ErrUnsupportedNamespace.
func BuildGrant(required, optional map[string]ProposalNamespace, supported []int64, allowed []string) (*Grant, error) {
	var (
		chains    []int64
		methods   []string
		events    []string
		seenChain = make(map[int64]bool)
	)

	for _, set := range []map[string]ProposalNamespace{required, optional} {
		for _, key := range sortedKeys(set) {
			ns := set[key]
			refs := ns.Chains
			switch {
			case key == NamespaceEIP155:
			case strings.HasPrefix(key, NamespaceEIP155+":"):
				refs = append([]string{key}, refs...)
			default:
				continue
			}

			for _, ref := range refs {
				id, err := ParseChainRef(ref)
				if err != nil || seenChain[id] {
					continue
				}
				seenChain[id] = true
				if slices.Contains(supported, id) {
					chains = append(chains, id)
				}
			}
			methods = append(methods, ns.Methods...)
			events = append(events, ns.Events...)
		}
	}

	if len(chains) == 0 {
		return nil, ErrUnsupportedNamespace
	}

	return &Grant{
		Chains:  chains,
		Methods: restrict(allowed, methods),
		Events:  restrict(DefaultEvents, events),
	}, nil
}

// Namespaces renders the grant bound to addr.
func (g *Grant) Namespaces(addr common.Address) map[string]SessionNamespace {
	ns := SessionNamespace{
		Chains:   make([]string, 0, len(g.Chains)),
		Accounts: make([]string, 0, len(g.Chains)),
		Methods:  g.Methods,
		Events:   g.Events,
	}
	for _, id := range g.Chains {
		ns.Chains = append(ns.Chains, ChainRef(id))
		ns.Accounts = append(ns.Accounts, AccountRef(id, addr))
	}
	return map[string]SessionNamespace{NamespaceEIP155: ns}
}

// restrict keeps the members of base that appear in requested, in base order.
// An empty request yields all of base.
func restrict(base, requested []string) []string {
	if len(requested) == 0 {
		return slices.Clone(base)
	}
	out := make([]string, 0, len(base))
	for _, m := range base {
		if slices.Contains(requested, m) {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string]ProposalNamespace) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
