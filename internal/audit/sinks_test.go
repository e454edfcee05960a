package audit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

func sampleRecord() Record {
	return Record{
		ID:        "3f1c2a7e-0000-4000-8000-000000000001",
		Command:   "getblockhash",
		Method:    "getblockhash",
		Params:    []string{"100"},
		Success:   true,
		ExitCode:  0,
		Duration:  12 * time.Millisecond,
		Network:   "regtest",
		Host:      "127.0.0.1",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Write(t *testing.T) {
	writer := &fakeKafkaWriter{}
	sink := newKafkaSink(writer, "btcwrap.audit")

	rec := sampleRecord()
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "getblockhash" {
		t.Errorf("expected key getblockhash, got %s", msg.Key)
	}
	if !msg.Time.Equal(rec.Timestamp) {
		t.Errorf("expected message time %v, got %v", rec.Timestamp, msg.Time)
	}

	decoded, err := DecodeProto(msg.Value)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["command"] != "getblockhash" || decoded["success"] != true {
		t.Errorf("unexpected payload: %v", decoded)
	}
	if decoded["duration_ms"] != 12.0 {
		t.Errorf("expected duration_ms 12, got %v", decoded["duration_ms"])
	}
	params, ok := decoded["params"].([]interface{})
	if !ok || len(params) != 1 || params[0] != "100" {
		t.Errorf("unexpected params %v", decoded["params"])
	}

	if err := sink.Close(); err != nil || !writer.closed {
		t.Error("expected writer to be closed")
	}
}

func TestKafkaSink_WriteError(t *testing.T) {
	sink := newKafkaSink(&fakeKafkaWriter{err: stdErrors.New("kafka: leader not available")}, "btcwrap.audit")

	err := sink.Write(context.Background(), sampleRecord())
	if err == nil || !strings.Contains(err.Error(), "failed to publish audit record to Kafka") {
		t.Errorf("expected publish error, got %v", err)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink := NewKafkaSink([]string{"127.0.0.1:9092"}, "btcwrap.audit", time.Second)
	writer, ok := sink.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", sink.writer)
	}
	if writer.Topic != "btcwrap.audit" || writer.Async || writer.WriteTimeout != time.Second {
		t.Errorf("unexpected writer settings: topic=%s async=%v timeout=%v", writer.Topic, writer.Async, writer.WriteTimeout)
	}
	_ = sink.Close()
}

type fakeRedis struct {
	args   []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1714564800000-0", f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSink_Write(t *testing.T) {
	client := &fakeRedis{}
	sink := newRedisSink(client, "btcwrap:audit")

	if err := sink.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.args) != 1 {
		t.Fatalf("expected 1 XADD, got %d", len(client.args))
	}
	args := client.args[0]
	if args.Stream != "btcwrap:audit" || args.MaxLen != streamMaxLen || !args.Approx {
		t.Errorf("unexpected XADD args: %+v", args)
	}
	values, ok := args.Values.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map values, got %T", args.Values)
	}
	if values["params"] != `["100"]` || values["success"] != "true" {
		t.Errorf("unexpected values: %v", values)
	}

	_ = sink.Close()
	if !client.closed {
		t.Error("expected client to be closed")
	}
}

func TestRedisSink_WriteError(t *testing.T) {
	sink := newRedisSink(&fakeRedis{err: stdErrors.New("dial tcp 127.0.0.1:6379: connection refused")}, "s")

	if err := sink.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRedisSink_InvalidURL(t *testing.T) {
	if _, err := NewRedisSink("not a url", "s", time.Second); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{query: query, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return driverResult(1), nil
}

func (f *fakeDB) Close() error { return nil }

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, nil }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestPostgresSink_Write(t *testing.T) {
	db := &fakeDB{}
	sink := newPostgresSink(db)

	rec := sampleRecord()
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(db.calls) != 3 {
		t.Fatalf("expected schema + 2 inserts, got %d calls", len(db.calls))
	}
	if !strings.Contains(db.calls[0].query, "CREATE TABLE IF NOT EXISTS btcwrap_audit") {
		t.Errorf("first call should create the table: %s", db.calls[0].query)
	}

	insert := db.calls[1]
	if !strings.Contains(insert.query, "INSERT INTO btcwrap_audit") {
		t.Errorf("expected insert, got %s", insert.query)
	}
	if len(insert.args) != 11 {
		t.Fatalf("expected 11 args, got %d", len(insert.args))
	}
	if insert.args[0] != rec.ID || insert.args[1] != "getblockhash" {
		t.Errorf("unexpected leading args: %v", insert.args[:2])
	}
	params, ok := insert.args[3].(*pq.StringArray)
	if !ok || len(*params) != 1 || (*params)[0] != "100" {
		t.Errorf("expected pq.StringArray params, got %#v", insert.args[3])
	}
}

func TestPostgresSink_SchemaErrorRetriesSchema(t *testing.T) {
	db := &fakeDB{err: stdErrors.New("connection refused")}
	sink := newPostgresSink(db)

	if err := sink.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
	if sink.schemaReady {
		t.Error("schema should not be marked ready after a failure")
	}

	db.err = nil
	if err := sink.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(db.calls[1].query, "CREATE TABLE") {
		t.Error("schema creation should be attempted again")
	}
}

func TestInfluxSink_Write(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
		auth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		query = r.URL.RawQuery
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "tok", "btc", "audit", time.Second)
	defer func() { _ = sink.Close() }()

	if err := sink.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(body, influxMeasurement+",") {
		t.Errorf("unexpected line protocol: %s", body)
	}
	for _, want := range []string{"command=getblockhash", "network=regtest", "success=true", "duration_ms=12", "exit_code=0i"} {
		if !strings.Contains(body, want) {
			t.Errorf("line protocol missing %q: %s", want, body)
		}
	}
	if !strings.Contains(query, "org=btc") || !strings.Contains(query, "bucket=audit") {
		t.Errorf("unexpected query: %s", query)
	}
	if auth != "Token tok" {
		t.Errorf("unexpected authorization header: %s", auth)
	}
}

func TestInfluxSink_WriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"unauthorized access"}`))
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "bad", "btc", "audit", time.Second)
	defer func() { _ = sink.Close() }()

	if err := sink.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPoint_SkipsEmptyTags(t *testing.T) {
	rec := sampleRecord()
	rec.Method = ""
	p := Point(rec)

	for _, tag := range p.TagList() {
		if tag.Value == "" {
			t.Errorf("tag %s has an empty value", tag.Key)
		}
		if tag.Key == "method" || tag.Key == "error_code" {
			t.Errorf("unexpected tag %s", tag.Key)
		}
	}
}
