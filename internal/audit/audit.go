// Package audit records one entry per executed command to the configured
// sinks: a Kafka topic, a Redis stream, a PostgreSQL table and an InfluxDB
// bucket. Audit failures are logged and never affect the command's output.
package audit

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/btcwrap/internal/config"
	"github.com/bardlex/btcwrap/pkg/errors"
	"github.com/bardlex/btcwrap/pkg/log"
	"github.com/bardlex/btcwrap/pkg/retry"
)

// Record describes one executed command. It never carries credentials.
type Record struct {
	ID        string
	Command   string
	Method    string
	Params    []string
	Success   bool
	ErrorCode string
	ExitCode  int
	Duration  time.Duration
	Network   string
	Host      string
	Timestamp time.Time
}

// DurationMS returns the duration in fractional milliseconds.
func (r Record) DurationMS() float64 {
	return float64(r.Duration) / float64(time.Millisecond)
}

// Fields returns the record as a structured map.
func (r Record) Fields() map[string]interface{} {
	params := make([]interface{}, len(r.Params))
	for i, p := range r.Params {
		params[i] = p
	}
	return map[string]interface{}{
		"id":          r.ID,
		"command":     r.Command,
		"method":      r.Method,
		"params":      params,
		"success":     r.Success,
		"error_code":  r.ErrorCode,
		"exit_code":   r.ExitCode,
		"duration_ms": r.DurationMS(),
		"network":     r.Network,
		"host":        r.Host,
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// FlatFields returns the record with every value rendered as a string.
func (r Record) FlatFields() map[string]interface{} {
	params, _ := json.Marshal(r.Params)
	return map[string]interface{}{
		"id":          r.ID,
		"command":     r.Command,
		"method":      r.Method,
		"params":      string(params),
		"success":     strconv.FormatBool(r.Success),
		"error_code":  r.ErrorCode,
		"exit_code":   strconv.Itoa(r.ExitCode),
		"duration_ms": strconv.FormatFloat(r.DurationMS(), 'f', 3, 64),
		"network":     r.Network,
		"host":        r.Host,
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Sink is one audit destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Auditor fans a record out to every sink.
type Auditor struct {
	sinks       []Sink
	network     string
	host        string
	timeout     time.Duration
	retryConfig *retry.Config
	logger      *log.Logger
}

// New builds an Auditor for every sink enabled in cfg. With no sink
// configured the Auditor records nothing.
//
// A sink that cannot be built is left out and its error returned alongside
// the Auditor, which remains usable with the remaining sinks.
//
// Parameters:
//   - ctx: Context for sink construction
//   - cfg: Resolved configuration with the AUDIT_* settings
//   - logger: Logger for audit failures
//
// Returns:
//   - *Auditor: Never nil
//   - error: ErrorTypeAudit joining every sink construction failure
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Auditor, error) {
	var sinks []Sink
	var errs []error

	if len(cfg.AuditKafkaBrokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, cfg.AuditTimeout))
	}

	if cfg.AuditRedisURL != "" {
		sink, err := NewRedisSink(cfg.AuditRedisURL, cfg.AuditRedisStream, cfg.AuditTimeout)
		if err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.AuditPostgresURL != "" {
		sink, err := NewPostgresSink(ctx, cfg.AuditPostgresURL)
		if err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.AuditInfluxURL != "" {
		sinks = append(sinks, NewInfluxSink(cfg.AuditInfluxURL, cfg.AuditInfluxToken,
			cfg.AuditInfluxOrg, cfg.AuditInfluxBucket, cfg.AuditTimeout))
	}

	a := NewAuditor(sinks, logger,
		WithTarget(cfg.BitcoinNetwork, cfg.BitcoinRPCHost),
		WithTimeout(cfg.AuditTimeout))

	if len(errs) > 0 {
		return a, errors.Wrap(stdErrors.Join(errs...), errors.ErrorTypeAudit, "audit_setup",
			"failed to set up audit sinks").
			WithRetryable(false)
	}
	return a, nil
}

// Option customizes an Auditor.
type Option func(*Auditor)

// WithTarget sets the network and host stamped on every record.
func WithTarget(network, host string) Option {
	return func(a *Auditor) {
		a.network = network
		a.host = host
	}
}

// WithTimeout bounds each sink write, retries included.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Auditor) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithRetryConfig replaces the per-sink retry policy.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(a *Auditor) {
		a.retryConfig = cfg
	}
}

// NewAuditor creates an Auditor over explicit sinks.
func NewAuditor(sinks []Sink, logger *log.Logger, opts ...Option) *Auditor {
	if logger == nil {
		logger = log.Nop()
	}
	a := &Auditor{
		sinks:       sinks,
		timeout:     2 * time.Second,
		retryConfig: retry.AuditConfig(),
		logger:      logger.WithComponent("audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether any sink is configured.
func (a *Auditor) Enabled() bool {
	return len(a.sinks) > 0
}

// Record writes rec to every sink concurrently and waits for all of them.
// Missing ID, timestamp, network and host are filled in. Failures are
// logged at warning level and otherwise ignored.
func (a *Auditor) Record(ctx context.Context, rec Record) {
	if !a.Enabled() {
		return
	}

	if rec.ID == "" {
		if id, ok := log.RequestID(ctx); ok {
			if s, ok := id.(string); ok {
				rec.ID = s
			}
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Network == "" {
		rec.Network = a.network
	}
	if rec.Host == "" {
		rec.Host = a.host
	}
	if rec.Params == nil {
		rec.Params = []string{}
	}

	logger := a.logger.WithContext(ctx)

	var wg sync.WaitGroup
	for _, sink := range a.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := a.write(ctx, sink, rec); err != nil {
				logger.WithError(err).Warn("audit write failed", "sink", sink.Name())
				return
			}
			logger.Debug("audit record written", "sink", sink.Name(), "id", rec.ID)
		}(sink)
	}
	wg.Wait()
}

func (a *Auditor) write(ctx context.Context, sink Sink, rec Record) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	return retry.Do(writeCtx, a.retryConfig, func() error {
		if err := sink.Write(writeCtx, rec); err != nil {
			return errors.Wrap(err, errors.ErrorTypeAudit, "audit_write",
				"failed to write audit record").
				WithContext("sink", sink.Name())
		}
		return nil
	})
}

// Close closes every sink and returns their joined errors.
func (a *Auditor) Close() error {
	var errs []error
	for _, sink := range a.sinks {
		if err := sink.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close audit sink", "sink", sink.Name())
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
