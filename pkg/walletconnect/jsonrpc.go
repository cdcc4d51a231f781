package walletconnect

import (
	"encoding/json"
	"math/rand/v2"
	"time"
)

const (
	MethodSessionPropose = "wc_sessionPropose"
	MethodSessionSettle  = "wc_sessionSettle"
	MethodSessionRequest = "wc_sessionRequest"
	MethodSessionDelete  = "wc_sessionDelete"
	MethodSessionPing    = "wc_sessionPing"
)

// Relay tags and TTLs for the messages the wallet publishes.
const (
	TagSessionProposeResponse = 1101
	TagSessionSettle          = 1102
	TagSessionRequestResponse = 1109
	TagSessionDelete          = 1112
	TagSessionDeleteResponse  = 1113
	TagSessionPingResponse    = 1115
	TagSessionProposeReject   = 1120

	ttlFiveMinutes = 5 * time.Minute
	ttlOneDay      = 24 * time.Hour
	ttlThirtySecs  = 30 * time.Second
)

// Message is a JSON-RPC 2.0 request or response.
type Message struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *Message) IsRequest() bool { return m.Method != "" }

// PayloadID returns a millisecond timestamp with three random digits, the id
// format peers expect.
func PayloadID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}

func NewRequest(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: PayloadID(), JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func NewResult(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, JSONRPC: "2.0", Result: raw}, nil
}

func NewError(id int64, e *RPCError) *Message {
	return &Message{ID: id, JSONRPC: "2.0", Error: e}
}

type Relay struct {
	Protocol string `json:"protocol"`
}

type Participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

type ProposeParams struct {
	Relays             []Relay                      `json:"relays"`
	Proposer           Participant                  `json:"proposer"`
	RequiredNamespaces map[string]ProposalNamespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]ProposalNamespace `json:"optionalNamespaces,omitempty"`
	ExpiryTimestamp    int64                        `json:"expiryTimestamp,omitempty"`
}

type ProposeResult struct {
	Relay              Relay  `json:"relay"`
	ResponderPublicKey string `json:"responderPublicKey"`
}

type SettleParams struct {
	Relay      Relay                       `json:"relay"`
	Namespaces map[string]SessionNamespace `json:"namespaces"`
	Controller Participant                 `json:"controller"`
	Expiry     int64                       `json:"expiry"`
}

type RequestParams struct {
	Request struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"request"`
	ChainID string `json:"chainId"`
}

type DeleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
