package blockchain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/blokista/walletgate/pkg/logger"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

// DecodedCall is contract calldata matched against a known ABI.
type DecodedCall struct {
	ABI    string
	Method string
	Args   []Arg
}

type Arg struct {
	Name  string
	Value any
}

func (d *DecodedCall) String() string {
	parts := make([]string, len(d.Args))
	for i, a := range d.Args {
		v := a.Value
		if addr, ok := v.(common.Address); ok {
			v = addr.Hex()
		}
		parts[i] = fmt.Sprintf("%s: %v", a.Name, v)
	}
	return fmt.Sprintf("%s(%s)", d.Method, strings.Join(parts, ", "))
}

// ABIManager holds the ABIs used to describe contract calls in prompts.
type ABIManager struct {
	mu   sync.RWMutex
	abis map[string]*abi.ABI
	// registration order, so earlier ABIs win on selector clashes
	order []string
}

// NewABIManager returns a manager that knows ERC-20.
func NewABIManager() *ABIManager {
	m := &ABIManager{abis: make(map[string]*abi.ABI)}
	if err := m.Register("erc20", erc20ABI); err != nil {
		panic(err)
	}
	return m
}

// Register parses abiJSON and adds it under name, replacing any earlier ABI
// with that name.
func (m *ABIManager) Register(name, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("invalid ABI JSON: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.abis[name]; !ok {
		m.order = append(m.order, name)
	}
	m.abis[name] = &parsed
	return nil
}

// LoadDir registers every *.json file in dir, named after the file. A missing
// directory is not an error.
func (m *ABIManager) LoadDir(dir string) error {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(f.Name(), ".json")
		if err := m.Register(name, string(data)); err != nil {
			logger.WarnCF("blockchain", "Skipping ABI", map[string]any{
				"file":  f.Name(),
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Names lists the registered ABIs.
func (m *ABIManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Decode matches the 4-byte selector of data against the registered ABIs.
func (m *ABIManager) Decode(data []byte) (*DecodedCall, bool) {
	if len(data) < 4 {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		parsed := m.abis[name]
		method, err := parsed.MethodById(data[:4])
		if err != nil {
			continue
		}
		values, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			continue
		}
		call := &DecodedCall{ABI: name, Method: method.Name}
		for i, in := range method.Inputs {
			argName := in.Name
			if argName == "" {
				argName = fmt.Sprintf("arg%d", i)
			}
			call.Args = append(call.Args, Arg{Name: argName, Value: values[i]})
		}
		return call, true
	}
	return nil, false
}
