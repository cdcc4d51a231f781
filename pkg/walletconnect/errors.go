package walletconnect

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPairingURI    = errors.New("invalid pairing URI")
	ErrUnsupportedNamespace = errors.New("unsupported namespace")
	ErrUnsupportedMethod    = errors.New("unsupported method")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSignerFailure        = errors.New("signer failure")
	ErrUserRejected         = errors.New("user rejected")
	ErrInvalidParams        = errors.New("invalid params")
	ErrDuplicateRequest     = errors.New("request id already pending")

	ErrProposalNotFound = errors.New("proposal not found")
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrDuplicateTopic   = errors.New("topic already has an active session")
	ErrDecrypt          = errors.New("envelope decryption failed")
)

// Wire error codes.
const (
	CodeInvalidRequest       = -32600
	CodeInvalidParams        = -32602
	CodeUserRejected         = 5000
	CodeSignerFailure        = 5002
	CodeUnsupportedNamespace = 5100
	CodeUnsupportedMethod    = 5101
	CodeUserDisconnected     = 6000
	CodeSessionNotFound      = 7001
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorFor maps a local error to the response sent to the peer. Unknown
// errors become a generic signer failure so internals never reach the wire.
func ErrorFor(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrUserRejected):
		return &RPCError{Code: CodeUserRejected, Message: "User rejected."}
	case errors.Is(err, ErrUnsupportedNamespace):
		return &RPCError{Code: CodeUnsupportedNamespace, Message: "Unsupported namespace."}
	case errors.Is(err, ErrUnsupportedMethod):
		return &RPCError{Code: CodeUnsupportedMethod, Message: "Unsupported method."}
	case errors.Is(err, ErrSessionNotFound):
		return &RPCError{Code: CodeSessionNotFound, Message: "Session not found."}
	case errors.Is(err, ErrDuplicateRequest):
		return &RPCError{Code: CodeInvalidRequest, Message: "Request id already in use."}
	case errors.Is(err, ErrInvalidParams):
		return &RPCError{Code: CodeInvalidParams, Message: "Invalid params."}
	default:
		return &RPCError{Code: CodeSignerFailure, Message: "Signing failed."}
	}
}
