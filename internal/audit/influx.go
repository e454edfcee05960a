package audit

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// influxMeasurement is the measurement every record is written to.
const influxMeasurement = "btcwrap_command"

// InfluxSink writes one point per record through the blocking write API.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// NewInfluxSink creates a sink for the given server, org and bucket.
func NewInfluxSink(url, token, org, bucket string, timeout time.Duration) *InfluxSink {
	opts := influxdb2.DefaultOptions()
	if secs := uint(timeout / time.Second); secs > 0 {
		opts.SetHTTPRequestTimeout(secs)
	}
	client := influxdb2.NewClientWithOptions(url, token, opts)

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
	}
}

// Name implements Sink
func (i *InfluxSink) Name() string { return "influx" }

// Write implements Sink
func (i *InfluxSink) Write(ctx context.Context, rec Record) error {
	if err := i.writeAPI.WritePoint(ctx, Point(rec)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAudit, "influx_write",
			"failed to write audit point to InfluxDB").
			WithContext("bucket", i.bucket)
	}
	return nil
}

// Close implements Sink
func (i *InfluxSink) Close() error {
	i.client.Close()
	return nil
}

// Point converts rec to an InfluxDB point.
func Point(rec Record) *write.Point {
	tags := map[string]string{"success": strconv.FormatBool(rec.Success)}
	// Empty tag values are not valid line protocol
	for key, value := range map[string]string{
		"command":    rec.Command,
		"method":     rec.Method,
		"network":    rec.Network,
		"host":       rec.Host,
		"error_code": rec.ErrorCode,
	} {
		if value != "" {
			tags[key] = value
		}
	}

	fields := map[string]interface{}{
		"duration_ms": rec.DurationMS(),
		"exit_code":   int64(rec.ExitCode),
		"count":       int64(1),
	}

	return write.NewPoint(influxMeasurement, tags, fields, rec.Timestamp)
}
