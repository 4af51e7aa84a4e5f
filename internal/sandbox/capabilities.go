package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// Recorder receives per-invocation outcomes, log lines, and metric deltas.
// Implemented by the metrics aggregator; the executor never blocks on it.
type Recorder interface {
	Record(outcome domain.Outcome)
	RecordLog(line domain.PluginLogLine)
	RecordMetric(tenantID, configID, name string, value float64)
}

// Location is a resolved geolocation for an IP address
type Location struct {
	Country   string
	City      string
	Latitude  float64
	Longitude float64
	TimeZone  string
}

// Geo resolves an IP address to a location. A miss returns (nil, nil).
type Geo interface {
	Locate(ctx context.Context, ip string) (*Location, error)
}

// Cache is the namespaced key/value cache exposed to tenant code
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Storage is the namespaced durable storage exposed to tenant code
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// FetchOptions parameterizes an outbound fetch
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// FetchResponse is the result of an outbound fetch
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Fetcher performs outbound network requests on behalf of tenant code.
// Failures come back as ordinary error values, never as pipeline faults.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResponse, error)
}

// Metrics lets tenant code emit named metric deltas
type Metrics interface {
	Emit(name string, value float64)
}

// Jobs lets tenant code schedule a follow-up invocation of one of its named
// tasks at or after a future time
type Jobs interface {
	Schedule(name string, payload []byte) *JobHandle
}

// Capabilities is the complete surface reachable from tenant code. Nothing
// outside these handles is injected into an invocation.
type Capabilities struct {
	Log     *InvocationLogger
	Fetch   Fetcher
	Cache   Cache
	Storage Storage
	Geo     Geo
	Jobs    Jobs
	Metrics Metrics

	// Go runs detached tenant work under panic attribution, so a crash in
	// an un-awaited callback is reported against the owning configuration
	// instead of taking the process down anonymously.
	Go func(fn func())
}

// InvocationLogger buffers structured log lines emitted by tenant code and
// forwards them to the recorder when persistence is enabled for the config.
type InvocationLogger struct {
	tenantID     string
	configID     string
	invocationID string
	persist      bool
	recorder     Recorder
	log          *zap.Logger
}

// NewInvocationLogger creates the logger capability for one invocation
func NewInvocationLogger(cfg *domain.PluginConfig, invocationID string, recorder Recorder, log *zap.Logger) *InvocationLogger {
	return &InvocationLogger{
		tenantID:     cfg.TenantID,
		configID:     cfg.ID,
		invocationID: invocationID,
		persist:      cfg.PersistLogs,
		recorder:     recorder,
		log:          log,
	}
}

func (l *InvocationLogger) emit(level string, args []interface{}) {
	msg := strings.TrimSuffix(fmt.Sprintln(args...), "\n")
	l.log.Debug("Plugin log",
		zap.String("config_id", l.configID),
		zap.String("level", level),
		zap.String("message", msg))
	if !l.persist {
		return
	}
	l.recorder.RecordLog(domain.PluginLogLine{
		TenantID:     l.tenantID,
		ConfigID:     l.configID,
		InvocationID: l.invocationID,
		Level:        level,
		Message:      msg,
		Timestamp:    time.Now(),
	})
}

func (l *InvocationLogger) Debug(args ...interface{}) { l.emit("debug", args) }
func (l *InvocationLogger) Info(args ...interface{})  { l.emit("info", args) }
func (l *InvocationLogger) Warn(args ...interface{})  { l.emit("warn", args) }
func (l *InvocationLogger) Error(args ...interface{}) { l.emit("error", args) }

// HTTPFetcher implements Fetcher over a shared http.Client. The invocation's
// context bounds every request, so a fetch can never outlive its timeout
// budget.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps an http.Client; a nil client gets a sane default
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch performs one outbound request
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResponse, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	return &FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}
