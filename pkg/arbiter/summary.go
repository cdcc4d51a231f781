package arbiter

import (
	"fmt"
	"math/big"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/blokista/walletgate/pkg/blockchain"
)

const maxPreview = 120

// Summary renders call for a confirmation prompt. symbol names the native
// token of the request's chain; abis, when set, names known contract calls.
func Summary(call *Call, symbol string, abis *blockchain.ABIManager) string {
	if symbol == "" {
		symbol = "ETH"
	}
	switch {
	case call.Tx != nil:
		tx := call.Tx
		value := decimal.Zero
		if tx.Value != nil {
			value = decimal.NewFromBigInt(tx.Value, -18)
		}
		verb := "Send"
		if call.Method == MethodSignTransaction {
			verb = "Sign transaction sending"
		}
		out := fmt.Sprintf("%s %s %s", verb, value.String(), symbol)
		if tx.To != nil {
			out += " to " + tx.To.Hex()
		} else {
			out += " to a new contract"
		}
		if len(tx.Data) > 0 {
			if decoded, ok := decode(abis, tx); ok {
				out += " calling " + decoded.String()
			} else {
				out += fmt.Sprintf(" with %d bytes of data", len(tx.Data))
			}
		}
		if tx.Gas != nil && tx.GasPrice != nil {
			fee := new(big.Int).Mul(new(big.Int).SetUint64(*tx.Gas), tx.GasPrice)
			out += fmt.Sprintf(" (max fee %s %s)", decimal.NewFromBigInt(fee, -18).String(), symbol)
		}
		return out

	case call.TypedData != nil:
		return "Sign typed data: " + preview(call.TypedData)

	default:
		return "Sign message: " + preview(call.Message)
	}
}

func decode(abis *blockchain.ABIManager, tx *blockchain.TxRequest) (*blockchain.DecodedCall, bool) {
	if abis == nil || tx.To == nil {
		return nil, false
	}
	return abis.Decode(tx.Data)
}

// preview shows printable text as is and anything else as hex.
func preview(b []byte) string {
	if utf8.Valid(b) && printable(string(b)) {
		s := string(b)
		if utf8.RuneCountInString(s) > maxPreview {
			s = string([]rune(s)[:maxPreview]) + "..."
		}
		return s
	}
	h := hexutil.Encode(b)
	if len(h) > maxPreview {
		h = h[:maxPreview] + "..."
	}
	return h
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
