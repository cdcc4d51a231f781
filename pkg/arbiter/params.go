package arbiter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/signer"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

const (
	MethodPersonalSign    = "personal_sign"
	MethodEthSign         = "eth_sign"
	MethodSignTypedData   = "eth_signTypedData"
	MethodSignTypedDataV4 = "eth_signTypedData_v4"
	MethodSendTransaction = "eth_sendTransaction"
	MethodSignTransaction = "eth_signTransaction"
)

// Call is a decoded signing request.
type Call struct {
	Method string
	// From is the account the peer named, if any.
	From *common.Address
	// Message is set for personal_sign and eth_sign.
	Message []byte
	// TypedData is set for the typed-data methods.
	TypedData json.RawMessage
	// Tx is set for the transaction methods.
	Tx *blockchain.TxRequest
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", wc.ErrInvalidParams, fmt.Sprintf(format, args...))
}

// ParseCall decodes params for method. Malformed params wrap
// walletconnect.ErrInvalidParams.
func ParseCall(method string, params json.RawMessage) (*Call, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, invalid("params must be an array")
	}

	call := &Call{Method: method}
	switch method {
	case MethodPersonalSign:
		if len(args) < 1 {
			return nil, invalid("personal_sign needs a message")
		}
		msg, err := messageBytes(args[0])
		if err != nil {
			return nil, err
		}
		call.Message = msg
		if len(args) > 1 {
			if call.From, err = address(args[1]); err != nil {
				return nil, err
			}
		}

	case MethodEthSign:
		if len(args) < 2 {
			return nil, invalid("eth_sign needs an address and a message")
		}
		from, err := address(args[0])
		if err != nil {
			return nil, err
		}
		msg, err := messageBytes(args[1])
		if err != nil {
			return nil, err
		}
		call.From, call.Message = from, msg

	case MethodSignTypedData, MethodSignTypedDataV4:
		if len(args) < 2 {
			return nil, invalid("%s needs an address and typed data", method)
		}
		from, err := address(args[0])
		if err != nil {
			return nil, err
		}
		data, err := typedData(args[1])
		if err != nil {
			return nil, err
		}
		call.From, call.TypedData = from, data

	case MethodSendTransaction, MethodSignTransaction:
		if len(args) < 1 {
			return nil, invalid("%s needs a transaction", method)
		}
		tx, from, err := transaction(args[0])
		if err != nil {
			return nil, err
		}
		call.From, call.Tx = from, tx

	default:
		return nil, fmt.Errorf("%w: %s", wc.ErrUnsupportedMethod, method)
	}
	return call, nil
}

// messageBytes decodes a 0x-prefixed hex message; anything else is taken as
// UTF-8 text.
func messageBytes(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, invalid("message must be a string")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if b, err := hexutil.Decode("0x" + s[2:]); err == nil {
			return b, nil
		}
	}
	return []byte(s), nil
}

func address(raw json.RawMessage) (*common.Address, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || !common.IsHexAddress(s) {
		return nil, invalid("bad address")
	}
	a := common.HexToAddress(s)
	return &a, nil
}

// typedData accepts the payload either as a JSON object or as a string
// holding one, and checks that it hashes.
func typedData(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid("typed data: %v", err)
		}
		raw = json.RawMessage(s)
	}
	if _, err := signer.TypedDataHash(raw); err != nil {
		return nil, invalid("%v", err)
	}
	return raw, nil
}

type txParams struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Gas      string `json:"gas"`
	GasLimit string `json:"gasLimit"`
	GasPrice string `json:"gasPrice"`
	Nonce    string `json:"nonce"`
	Data     string `json:"data"`
	Input    string `json:"input"`
}

func transaction(raw json.RawMessage) (*blockchain.TxRequest, *common.Address, error) {
	var p txParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, invalid("transaction must be an object")
	}

	var (
		req  blockchain.TxRequest
		from *common.Address
	)
	if p.From != "" {
		if !common.IsHexAddress(p.From) {
			return nil, nil, invalid("bad from address")
		}
		a := common.HexToAddress(p.From)
		from = &a
	}
	if p.To != "" {
		if !common.IsHexAddress(p.To) {
			return nil, nil, invalid("bad to address")
		}
		to := common.HexToAddress(p.To)
		req.To = &to
	}
	if p.Value != "" {
		v, ok := math.ParseBig256(p.Value)
		if !ok || v.Sign() < 0 {
			return nil, nil, invalid("bad value %q", p.Value)
		}
		req.Value = v
	}

	gas := p.Gas
	if gas == "" {
		gas = p.GasLimit
	}
	if gas != "" {
		g, ok := math.ParseUint64(gas)
		if !ok {
			return nil, nil, invalid("bad gas %q", gas)
		}
		req.Gas = &g
	}
	if p.GasPrice != "" {
		v, ok := math.ParseBig256(p.GasPrice)
		if !ok || v.Sign() < 0 {
			return nil, nil, invalid("bad gasPrice %q", p.GasPrice)
		}
		req.GasPrice = v
	}
	if p.Nonce != "" {
		n, ok := math.ParseUint64(p.Nonce)
		if !ok {
			return nil, nil, invalid("bad nonce %q", p.Nonce)
		}
		req.Nonce = &n
	}

	data := p.Data
	if data == "" {
		data = p.Input
	}
	if data != "" && data != "0x" {
		b, err := hexutil.Decode(data)
		if err != nil {
			return nil, nil, invalid("bad data: %v", err)
		}
		req.Data = b
	}
	if req.To == nil && len(req.Data) == 0 {
		return nil, nil, invalid("transaction has neither to nor data")
	}
	return &req, from, nil
}
