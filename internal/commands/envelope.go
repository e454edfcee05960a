package commands

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"

	"github.com/bardlex/btcwrap/internal/bitcoin"
	"github.com/bardlex/btcwrap/pkg/errors"
)

// Error codes reported in the envelope. Node errors report the node's
// integer JSON-RPC code instead.
const (
	CodeConfig         = "CONFIG_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeTransport      = "TRANSPORT_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

// Process exit codes
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitValidation     = 2
	ExitUnknownCommand = 3
	ExitConfig         = 4
	ExitTransport      = 5
	ExitNode           = 6
)

// Envelope is the single JSON object written to stdout per invocation.
// Exactly one of Data and Error is set.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode interface{}     `json:"error_code,omitempty"`
	Command   string          `json:"command"`
	Params    []string        `json:"params"`

	errType errors.ErrorType
}

// Succeeded wraps a node result. A missing result is reported as JSON null.
func Succeeded(command string, params []string, data json.RawMessage) Envelope {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{
		Success: true,
		Data:    data,
		Command: command,
		Params:  echo(params),
	}
}

// Failed builds the failure envelope for err.
func Failed(command string, params []string, err error) Envelope {
	env := Envelope{
		Command: command,
		Params:  echo(params),
		Error:   errorMessage(err),
		errType: errors.TypeOf(err),
	}

	if rpcErr, ok := bitcoin.NodeError(err); ok {
		env.ErrorCode = int(rpcErr.Code)
		env.errType = errors.ErrorTypeNode
		return env
	}

	switch env.errType {
	case errors.ErrorTypeConfig:
		env.ErrorCode = CodeConfig
	case errors.ErrorTypeValidation:
		env.ErrorCode = CodeValidation
	case errors.ErrorTypeUnknownCommand:
		env.ErrorCode = CodeUnknownCommand
	case errors.ErrorTypeTransport:
		env.ErrorCode = CodeTransport
	default:
		env.errType = errors.ErrorTypeInternal
		env.ErrorCode = CodeInternal
	}
	return env
}

// ExitCode maps the envelope to the process exit status.
func (e Envelope) ExitCode() int {
	if e.Success {
		return ExitOK
	}
	switch e.errType {
	case errors.ErrorTypeValidation:
		return ExitValidation
	case errors.ErrorTypeUnknownCommand:
		return ExitUnknownCommand
	case errors.ErrorTypeConfig:
		return ExitConfig
	case errors.ErrorTypeTransport:
		return ExitTransport
	case errors.ErrorTypeNode:
		return ExitNode
	default:
		return ExitFailure
	}
}

// MarshalJSON writes data on success and error on failure, even when the
// node's message or result is empty.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := struct {
		Success   bool            `json:"success"`
		Data      json.RawMessage `json:"data,omitempty"`
		Error     *string         `json:"error,omitempty"`
		ErrorCode interface{}     `json:"error_code,omitempty"`
		Command   string          `json:"command"`
		Params    []string        `json:"params"`
	}{
		Success: e.Success,
		Command: e.Command,
		Params:  echo(e.Params),
	}
	if e.Success {
		out.Data = e.Data
		if len(out.Data) == 0 {
			out.Data = json.RawMessage("null")
		}
	} else {
		msg := e.Error
		out.Error = &msg
		out.ErrorCode = e.ErrorCode
	}
	return json.Marshal(out)
}

// Marshal renders the envelope as indented JSON with a trailing newline.
func (e Envelope) Marshal() ([]byte, error) {
	out, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func echo(params []string) []string {
	if params == nil {
		return []string{}
	}
	return params
}

// errorMessage returns the text shown to the user. Node errors keep the
// node's message verbatim; other errors report the innermost failure and
// how many attempts were made.
func errorMessage(err error) string {
	if rpcErr, ok := bitcoin.NodeError(err); ok {
		return rpcErr.Message
	}

	var innermost *errors.ServiceError
	attempts := 0
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		se, ok := e.(*errors.ServiceError)
		if !ok {
			continue
		}
		innermost = se
		if n, ok := se.Context["max_attempts"].(int); ok {
			attempts = n
		}
	}
	if innermost == nil {
		return err.Error()
	}

	msg := innermost.Message
	if innermost.Cause != nil {
		msg += ": " + innermost.Cause.Error()
	}
	if attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, attempts)
	}
	return msg
}
