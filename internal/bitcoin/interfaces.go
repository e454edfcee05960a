package bitcoin

import (
	"context"
	"encoding/json"
)

// RPCInterface defines the contract for node RPC operations.
// This interface allows for easy mocking and testing of components that depend on Bitcoin RPC.
//
// All methods include context.Context for proper cancellation and timeout handling.
type RPCInterface interface {
	// Call invokes a method on the node endpoint and returns its raw result.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// CallWallet invokes a method on the configured wallet endpoint.
	CallWallet(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// Close releases pooled connections.
	Close()
}

// Compile-time interface compliance checks
var (
	_ RPCInterface = (*RPCClient)(nil)
)
