package server

import (
	"encoding/json"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// JSON-RPC framing constants.
const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

// request is one incoming JSON-RPC message. A missing or null id marks a
// notification, which produces no response.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id.
func (r request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is one outgoing JSON-RPC message.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the JSON-RPC error member. Codes follow the envelope contract
// documented in the taxonomy package; Data carries the structured context.
type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// wireError translates a handler error into the wire envelope.
//
// The data member always carries the category, the error's extra structured
// fields (alternatives, candidates, circuit_state, missing_dependencies and
// the like) and the suggestions. Verbose mode adds the diagnosis context
// (operation, profile, SQL preview) and the root cause message.
func wireError(err error, verbose bool) *rpcError {
	taxErr := taxonomy.Classify(err)

	data := make(map[string]any, len(taxErr.Data)+2)

	for key, value := range taxErr.Data {
		data[key] = value
	}

	data["category"] = string(taxErr.Category)

	if len(taxErr.Context.Suggestions) > 0 {
		data["suggestions"] = taxErr.Context.Suggestions
	}

	if taxErr.Context.Object != "" {
		data["object"] = taxErr.Context.Object
	}

	if verbose {
		if taxErr.Context.Operation != "" {
			data["operation"] = taxErr.Context.Operation
		}

		if taxErr.Context.Profile != "" {
			data["profile"] = taxErr.Context.Profile
		}

		if taxErr.Context.SQLPreview != "" {
			data["sql_preview"] = taxErr.Context.SQLPreview
		}

		if cause := taxErr.Unwrap(); cause != nil {
			data["cause"] = cause.Error()
		}
	}

	return &rpcError{
		Code:    taxErr.Category.WireCode(),
		Message: taxErr.Message,
		Data:    data,
	}
}

// verboseErrors sniffs the verbose_errors flag from raw tool arguments so
// the wire translation honors it for any tool that accepts the flag.
func verboseErrors(args json.RawMessage) bool {
	if len(args) == 0 {
		return false
	}

	var flag struct {
		VerboseErrors bool `json:"verbose_errors"`
	}

	if err := json.Unmarshal(args, &flag); err != nil {
		return false
	}

	return flag.VerboseErrors
}
