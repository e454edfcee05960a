package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bardlex/btcwrap/internal/audit"
	"github.com/bardlex/btcwrap/internal/bitcoin"
	"github.com/bardlex/btcwrap/internal/validation"
	"github.com/bardlex/btcwrap/pkg/errors"
	"github.com/bardlex/btcwrap/pkg/log"
)

// Router validates one invocation, forwards it to the node and wraps the
// outcome in an Envelope.
type Router struct {
	validator *validation.Validator
	rpc       bitcoin.RPCInterface
	logger    *log.Logger
	auditor   *audit.Auditor
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithAuditor records every executed invocation to a.
func WithAuditor(a *audit.Auditor) RouterOption {
	return func(r *Router) {
		r.auditor = a
	}
}

// NewRouter creates a router.
//
// Parameters:
//   - validator: Validator built from Methods() for the configured network
//   - rpc: Node client; wallet commands use its wallet endpoint
//   - logger: Logger for per-command diagnostics
//   - opts: Optional audit recording
//
// Returns:
//   - *Router: Router ready to execute commands
func NewRouter(validator *validation.Validator, rpc bitcoin.RPCInterface, logger *log.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Router{
		validator: validator,
		rpc:       rpc,
		logger:    logger.WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the subcommand name with the raw CLI parameters. Unknown
// commands and invalid parameters fail before any network call. The
// envelope is final once returned; auditing never changes it.
func (r *Router) Execute(ctx context.Context, name string, raw []string) Envelope {
	start := time.Now()
	env, method := r.execute(ctx, name, raw)
	duration := time.Since(start)

	logger := r.logger.WithContext(ctx).WithCommand(name, method)
	logger.LogDuration("execute_command", duration.Nanoseconds())
	if env.Success {
		logger.Info("command executed successfully")
	} else {
		logger.Error("command failed", "error", env.Error, "error_code", env.ErrorCode)
	}

	if r.auditor != nil {
		r.auditor.Record(ctx, audit.Record{
			Command:   name,
			Method:    method,
			Params:    env.Params,
			Success:   env.Success,
			ErrorCode: errorCodeString(env.ErrorCode),
			ExitCode:  env.ExitCode(),
			Duration:  duration,
		})
	}

	return env
}

func (r *Router) execute(ctx context.Context, name string, raw []string) (Envelope, string) {
	cmd, err := Parse(name)
	if err != nil {
		return Failed(name, raw, err), ""
	}
	method := cmd.Method()

	params, err := r.validator.Validate(cmd.String(), raw)
	if err != nil {
		return Failed(name, raw, err), method
	}

	r.logger.WithContext(ctx).Debug("executing command",
		"command", name, "method", method, "params", raw)

	var result json.RawMessage
	switch {
	case cmd.Local():
		result, err = r.nodeInfo(ctx)
	case cmd.Wallet():
		result, err = r.rpc.CallWallet(ctx, method, params)
	default:
		result, err = r.rpc.Call(ctx, method, params)
	}
	if err != nil {
		return Failed(name, raw, err), method
	}

	return Succeeded(name, raw, result), method
}

func (r *Router) nodeInfo(ctx context.Context) (json.RawMessage, error) {
	info, err := bitcoin.FetchNodeInfo(ctx, r.rpc)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "node_info",
			"failed to encode node summary")
	}
	return data, nil
}

func errorCodeString(code interface{}) string {
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}
