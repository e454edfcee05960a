package bitcoin

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/btcwrap/internal/config"
	"github.com/bardlex/btcwrap/pkg/circuit"
	"github.com/bardlex/btcwrap/pkg/errors"
	"github.com/bardlex/btcwrap/pkg/log"
	"github.com/bardlex/btcwrap/pkg/retry"
)

// maxResponseSize caps how much of a node response is read into memory.
const maxResponseSize = 256 << 20

// bodySnippetSize caps how much of an unexpected HTTP body is quoted in errors.
const bodySnippetSize = 512

// RPCClient sends JSON-RPC 2.0 requests to a Bitcoin Core or Knots node over
// one pooled HTTP(S) client. Node-reported errors are returned with their
// code and message untouched; transport failures are retried with
// exponential backoff.
type RPCClient struct {
	endpoint       string
	walletEndpoint string
	user           string
	password       string
	userAgent      string
	timeout        time.Duration

	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger

	nextID atomic.Int64
}

// Option customizes an RPCClient.
type Option func(*RPCClient)

// WithRetryConfig replaces the transport retry policy.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *RPCClient) {
		copied := *cfg
		c.retryConfig = &copied
	}
}

// WithHTTPClient replaces the pooled HTTP client, e.g. with an httptest
// server's client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RPCClient) {
		c.httpClient = hc
	}
}

// WithCircuitBreaker replaces the circuit breaker guarding the node.
func WithCircuitBreaker(b *circuit.Breaker) Option {
	return func(c *RPCClient) {
		c.circuitBreaker = b
	}
}

// WithVersion sets the version reported in the User-Agent header.
func WithVersion(version string) Option {
	return func(c *RPCClient) {
		c.userAgent = "btcwrap/" + version
	}
}

// NewRPCClient creates a client for the node described by cfg. The HTTP
// client is created once and reused for every call until Close.
//
// Parameters:
//   - cfg: Resolved configuration with endpoint, credentials, timeout and TLS settings
//   - logger: Logger for retry and TLS diagnostics
//   - opts: Optional overrides for tests and embedding processes
//
// Returns:
//   - *RPCClient: Configured RPC client ready for use
//   - error: A config error if the CA bundle cannot be loaded
func NewRPCClient(cfg *config.Config, logger *log.Logger, opts ...Option) (*RPCClient, error) {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("rpc")

	c := &RPCClient{
		endpoint:       cfg.RPCURL(),
		walletEndpoint: cfg.WalletURL(),
		user:           cfg.BitcoinRPCUser,
		password:       cfg.BitcoinRPCPassword,
		userAgent:      "btcwrap/dev",
		timeout:        cfg.BitcoinRPCTimeout,
		retryConfig:    retry.TransportConfig(),
		logger:         logger,
	}
	c.nextID.Store(time.Now().UnixMicro())

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport, err := newTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{Transport: transport}
	}

	if c.circuitBreaker == nil {
		// Configure circuit breaker for node RPC; only transport failures count
		c.circuitBreaker = circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			IsFailure: func(err error) bool {
				return errors.IsType(err, errors.ErrorTypeTransport)
			},
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("circuit breaker state changed",
					"endpoint", c.endpoint, "from", from.String(), "to", to.String())
			},
		})
	}

	if c.retryConfig.OnRetry == nil {
		c.retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.LogRPCAttempt(c.endpoint, attempt, err, delay.Milliseconds())
		}
	}

	return c, nil
}

// newTransport builds the pooled transport and its TLS settings.
func newTransport(cfg *config.Config, logger *log.Logger) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2
	transport.ResponseHeaderTimeout = cfg.BitcoinRPCTimeout

	if !cfg.UseSSL {
		return transport, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.SSLCertPath != "" {
		pemData, err := os.ReadFile(cfg.SSLCertPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "rpc_client_creation",
				"failed to read SSL certificate").
				WithContext("path", cfg.SSLCertPath)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New(errors.ErrorTypeConfig, "rpc_client_creation",
				"no PEM certificates found in SSL certificate file").
				WithContext("path", cfg.SSLCertPath)
		}
		tlsConfig.RootCAs = pool
		logger.Info("using SSL certificate bundle", "path", cfg.SSLCertPath)
	}

	if !cfg.SSLVerify {
		tlsConfig.InsecureSkipVerify = true
		if cfg.IsLocal() {
			logger.Debug("SSL certificate verification disabled for local node")
		} else {
			logger.Warn("SSL certificate verification disabled for remote node",
				"host", cfg.BitcoinRPCHost)
		}
	}

	transport.TLSClientConfig = tlsConfig
	return transport, nil
}

// Close releases pooled connections. The client must not be used afterwards.
func (c *RPCClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// Call invokes method on the node endpoint and returns the raw JSON result.
//
// Parameters:
//   - ctx: Context for cancellation; each attempt is additionally bounded by the configured timeout
//   - method: RPC method name
//   - params: Positional parameters, already validated
//
// Returns:
//   - json.RawMessage: The node's result exactly as received ("null" when absent)
//   - error: ErrorTypeNode wrapping *btcjson.RPCError, or ErrorTypeTransport
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return c.call(ctx, c.endpoint, method, params)
}

// CallWallet is Call against the configured wallet endpoint.
func (c *RPCClient) CallWallet(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return c.call(ctx, c.walletEndpoint, method, params)
}

func (c *RPCClient) call(ctx context.Context, endpoint, method string, params []interface{}) (json.RawMessage, error) {
	result, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (json.RawMessage, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (json.RawMessage, error) {
			return c.do(ctx, endpoint, method, params)
		})
	})
	if err != nil && (stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)) &&
		!errors.IsType(err, errors.ErrorTypeTransport) {
		// Cancelled while backing off between attempts
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call", "request cancelled").
			WithRetryable(false).
			WithContext("method", method)
	}
	return result, err
}

// do performs exactly one HTTP round trip.
func (c *RPCClient) do(ctx context.Context, endpoint, method string, params []interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req, err := btcjson.NewRequest(btcjson.RpcVersion2, id, method, params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_call",
			"failed to build JSON-RPC request").
			WithRetryable(false).
			WithContext("method", method)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_call",
			"failed to encode JSON-RPC request").
			WithRetryable(false).
			WithContext("method", method)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_call",
			"failed to create HTTP request").
			WithRetryable(false)
	}
	httpReq.SetBasicAuth(c.user, c.password)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("rpc request", "method", method, "id", id, "params", len(params))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, endpoint, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.transportError(ctx, endpoint, method, err)
	}

	return decodeResponse(method, resp.StatusCode, data)
}

// transportError classifies a failed round trip.
func (c *RPCClient) transportError(ctx context.Context, endpoint, method string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call", "request cancelled").
			WithRetryable(false).
			WithContext("method", method)
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if stdErrors.As(err, &certErr) || stdErrors.As(err, &unknownAuthority) || stdErrors.As(err, &hostnameErr) {
		return errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call",
			"SSL certificate verification failed").
			WithRetryable(false).
			WithContext("endpoint", endpoint)
	}

	var netErr net.Error
	if stdErrors.Is(err, context.DeadlineExceeded) || (stdErrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call",
			fmt.Sprintf("request timeout after %s", c.timeout)).
			WithRetryable(true).
			WithContext("endpoint", endpoint)
	}

	return errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call",
		fmt.Sprintf("cannot connect to Bitcoin node at %s", endpoint)).
		WithRetryable(true).
		WithContext("endpoint", endpoint)
}

// decodeResponse maps an HTTP response to a result or a typed error. A
// JSON-RPC error object always wins over the HTTP status, since Bitcoin Core
// answers RPC errors with 404 or 500 under JSON-RPC 1.0.
func decodeResponse(method string, status int, data []byte) (json.RawMessage, error) {
	var resp btcjson.Response
	jsonErr := json.Unmarshal(data, &resp)

	if jsonErr == nil && resp.Error != nil {
		return nil, errors.Wrap(resp.Error, errors.ErrorTypeNode, "rpc_call", resp.Error.Message).
			WithRetryable(false).
			WithContext("method", method).
			WithContext("code", int(resp.Error.Code))
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, httpError(status, "authentication failed", false)
	case status == http.StatusForbidden:
		return nil, httpError(status, "access forbidden", false)
	case status == http.StatusNotFound:
		return nil, httpError(status, "RPC endpoint not found", false)
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, httpError(status, statusMessage(status, data), true)
	case status < 200 || status >= 300:
		return nil, httpError(status, statusMessage(status, data), false)
	}

	if jsonErr != nil {
		return nil, errors.Wrap(jsonErr, errors.ErrorTypeTransport, "rpc_call",
			fmt.Sprintf("invalid JSON response: %s", snippet(data))).
			WithRetryable(false).
			WithContext("method", method)
	}

	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

func httpError(status int, message string, retryable bool) *errors.ServiceError {
	return errors.New(errors.ErrorTypeTransport, "rpc_call", message).
		WithRetryable(retryable).
		WithContext("status", status)
}

// statusMessage describes an unexpected HTTP status, quoting the body when
// there is one.
func statusMessage(status int, data []byte) string {
	if body := snippet(data); body != "" {
		return fmt.Sprintf("HTTP %d: %s", status, body)
	}
	return fmt.Sprintf("HTTP %d", status)
}

func snippet(data []byte) string {
	s := string(bytes.TrimSpace(data))
	if len(s) > bodySnippetSize {
		return s[:bodySnippetSize] + "..."
	}
	return s
}

// NodeError extracts the node's JSON-RPC error from err, if there is one.
func NodeError(err error) (*btcjson.RPCError, bool) {
	var rpcErr *btcjson.RPCError
	if errors.IsType(err, errors.ErrorTypeNode) && stdErrors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// NodeInfo summarises the node for diagnostics using getblockchaininfo and
// getnetworkinfo.
//
// Parameters:
//   - ctx: Context for request cancellation
//
// Returns:
//   - *NodeInfo: Chain tip and peer summary
//   - error: Any error from either call
func (c *RPCClient) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	return FetchNodeInfo(ctx, c)
}

// FetchNodeInfo runs the node summary against any RPCInterface.
func FetchNodeInfo(ctx context.Context, rpc RPCInterface) (*NodeInfo, error) {
	var chain BlockchainInfo
	if err := callInto(ctx, rpc, "getblockchaininfo", &chain); err != nil {
		return nil, err
	}

	var network NetworkInfo
	if err := callInto(ctx, rpc, "getnetworkinfo", &network); err != nil {
		return nil, err
	}

	return &NodeInfo{
		Chain:         chain.Chain,
		Blocks:        chain.Blocks,
		Headers:       chain.Headers,
		BestBlockHash: chain.BestBlockHash,
		Version:       network.Version,
		SubVersion:    network.SubVersion,
		Connections:   network.Connections,
	}, nil
}

func callInto(ctx context.Context, rpc RPCInterface, method string, out interface{}) error {
	raw, err := rpc.Call(ctx, method, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "rpc_call",
			fmt.Sprintf("unexpected %s result", method)).
			WithRetryable(false)
	}
	return nil
}
