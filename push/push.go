// Package push delivers tag snapshots to HTTP webhooks.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"taglink/config"
	"taglink/logging"
	"taglink/tag"
)

// Status represents the current state of a push.
type Status int

const (
	StatusDisabled    Status = iota
	StatusArmed              // Waiting for snapshots
	StatusFiring             // Sending HTTP request
	StatusMinInterval        // Last send was recent, per-tag cooldown active
	StatusError              // Last send failed
	StatusCircuitOpen        // Breaker open, sends are rejected
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusArmed:
		return "Armed"
	case StatusFiring:
		return "Firing"
	case StatusMinInterval:
		return "Cooldown"
	case StatusError:
		return "Error"
	case StatusCircuitOpen:
		return "Circuit Open"
	default:
		return "Unknown"
	}
}

// MaxQueueSize is the number of snapshots a push buffers before dropping.
const MaxQueueSize = 64

// Breaker settings.
const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// tagRefRegex matches #<id> references in body templates. Rule ids are negative.
var tagRefRegex = regexp.MustCompile(`#(-?\d+)`)

// ValueReader resolves the live value of a tag or rule for body templates.
type ValueReader interface {
	TagValue(id int64) (interface{}, bool)
}

// Observer receives delivery metrics.
type Observer interface {
	PushSent(name string, code int, elapsed time.Duration)
}

type sendJob struct {
	snapshot *tag.Tag
	payload  []byte
}

// Push sends snapshots of selected tags to one webhook.
type Push struct {
	config *config.PushConfig
	reader ValueReader
	filter map[int64]bool

	status       Status
	lastErr      error
	sendCount    int64
	dropCount    int64
	lastSend     time.Time
	lastHTTPCode int
	lastSentTag  map[int64]time.Time
	mu           sync.RWMutex

	queue  chan sendJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	breaker    *gobreaker.CircuitBreaker[int]
	httpClient *http.Client
	logFn      func(format string, args ...interface{})
	observer   Observer
}

// NewPush creates a push from configuration.
func NewPush(cfg *config.PushConfig, reader ValueReader) (*Push, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("push %s: url is required", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	p := &Push{
		config:      cfg,
		reader:      reader,
		status:      StatusDisabled,
		lastSentTag: make(map[int64]time.Time),
		httpClient:  &http.Client{Timeout: timeout},
	}
	if len(cfg.Tags) > 0 {
		p.filter = make(map[int64]bool, len(cfg.Tags))
		for _, id := range cfg.Tags {
			p.filter[id] = true
		}
	}
	p.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log("circuit %s -> %s", from, to)
		},
	})
	return p, nil
}

// Name returns the push name.
func (p *Push) Name() string {
	return p.config.Name
}

// SetLogFunc sets the logging callback.
func (p *Push) SetLogFunc(fn func(format string, args ...interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFn = fn
}

// SetObserver sets the metrics observer.
func (p *Push) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

func (p *Push) log(format string, args ...interface{}) {
	p.mu.RLock()
	fn := p.logFn
	p.mu.RUnlock()
	if fn != nil {
		fn("[Push:%s] "+format, append([]interface{}{p.config.Name}, args...)...)
	}
}

// GetStatus returns the current push status.
func (p *Push) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Push) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns push statistics.
func (p *Push) GetStats() (sendCount, dropCount int64, lastSend time.Time, lastHTTPCode int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sendCount, p.dropCount, p.lastSend, p.lastHTTPCode
}

// BreakerState returns the circuit breaker state name.
func (p *Push) BreakerState() string {
	return p.breaker.State().String()
}

// Start begins delivering offered snapshots. Disabled pushes stay idle.
func (p *Push) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	if !p.config.Enabled {
		p.status = StatusDisabled
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queue = make(chan sendJob, MaxQueueSize)
	p.status = StatusArmed
	ctx, queue := p.ctx, p.queue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.sendLoop(ctx, queue)
	p.log("started, %d tag filters", len(p.filter))
}

// Stop halts delivery. Queued snapshots are discarded.
func (p *Push) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.queue = nil
	p.status = StatusDisabled
	p.mu.Unlock()
	p.log("stopped")
}

// Accepts reports whether a snapshot passes the tag filter and the
// invalid-only setting.
func (p *Push) Accepts(snapshot *tag.Tag) bool {
	if snapshot == nil {
		return false
	}
	if p.filter != nil && !p.filter[snapshot.ID] {
		return false
	}
	if p.config.OnlyInvalid && snapshot.IsValid() {
		return false
	}
	return true
}

// Offer queues a snapshot for delivery. It never blocks; it returns false
// when the snapshot is filtered out, cooling down, or the queue is full.
func (p *Push) Offer(snapshot *tag.Tag, payload []byte) bool {
	if !p.Accepts(snapshot) {
		return false
	}

	p.mu.Lock()
	if p.queue == nil {
		p.mu.Unlock()
		return false
	}
	if p.config.CooldownMin > 0 {
		if last, ok := p.lastSentTag[snapshot.ID]; ok && time.Since(last) < p.config.CooldownMin {
			p.status = StatusMinInterval
			p.mu.Unlock()
			return false
		}
		// Reserve the slot so bursts inside the interval are dropped.
		p.lastSentTag[snapshot.ID] = time.Now()
	}
	queue := p.queue
	p.mu.Unlock()

	select {
	case queue <- sendJob{snapshot: snapshot, payload: payload}:
		return true
	default:
		p.mu.Lock()
		p.dropCount++
		p.mu.Unlock()
		p.log("queue full, dropping snapshot of tag %d", snapshot.ID)
		return false
	}
}

func (p *Push) sendLoop(ctx context.Context, queue <-chan sendJob) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-queue:
			p.fire(ctx, job)
		}
	}
}

// fire sends one snapshot through the circuit breaker.
func (p *Push) fire(ctx context.Context, job sendJob) {
	p.mu.Lock()
	p.status = StatusFiring
	p.mu.Unlock()

	code, err := p.send(ctx, p.resolveBody(job))

	p.mu.Lock()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.dropCount++
		p.status = StatusCircuitOpen
		p.lastErr = err
	case err != nil:
		p.status = StatusError
		p.lastErr = err
	default:
		p.status = StatusArmed
		p.lastErr = nil
	}
	p.mu.Unlock()
	if err != nil {
		p.log("send of tag %d failed (status %d): %v", job.snapshot.ID, code, err)
		return
	}
	logging.DebugLog("push", "%s: sent tag %d, status=%d", p.config.Name, job.snapshot.ID, code)
}

// TestFire sends the body template immediately, bypassing filters and cooldown.
func (p *Push) TestFire() error {
	p.log("TEST FIRE triggered manually")
	code, err := p.send(context.Background(), p.resolveBody(sendJob{}))
	if err != nil {
		return err
	}
	p.log("test fire sent, status=%d", code)
	return nil
}

// send executes the request inside the breaker. Status codes of 400 and
// above count as failures.
func (p *Push) send(ctx context.Context, body []byte) (int, error) {
	start := time.Now()
	code, err := p.breaker.Execute(func() (int, error) {
		req, err := p.buildRequest(ctx, body)
		if err != nil {
			return 0, fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	elapsed := time.Since(start)

	p.mu.Lock()
	observer := p.observer
	if code != 0 {
		p.sendCount++
		p.lastSend = time.Now()
		p.lastHTTPCode = code
	}
	p.mu.Unlock()
	if observer != nil {
		observer.PushSent(p.config.Name, code, elapsed)
	}
	return code, err
}

// resolveBody renders the body template, or returns the snapshot JSON when
// no template is configured. References to the snapshot's own id use the
// snapshot value; others are read live. Unknown references are left as-is.
func (p *Push) resolveBody(job sendJob) []byte {
	if p.config.Body == "" {
		return job.payload
	}
	return []byte(tagRefRegex.ReplaceAllStringFunc(p.config.Body, func(match string) string {
		id, err := strconv.ParseInt(match[1:], 10, 64)
		if err != nil {
			return match
		}
		if job.snapshot != nil && job.snapshot.ID == id {
			return fmt.Sprintf("%v", job.snapshot.Value)
		}
		if p.reader == nil {
			return match
		}
		if v, ok := p.reader.TagValue(id); ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	}))
}

// buildRequest constructs the HTTP request with headers and auth.
func (p *Push) buildRequest(ctx context.Context, body []byte) (*http.Request, error) {
	method := p.config.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.config.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	ct := p.config.ContentType
	if ct == "" {
		ct = "application/json"
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", ct)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	switch p.config.Auth.Type {
	case config.PushAuthBearer:
		req.Header.Set("Authorization", "Bearer "+p.config.Auth.Token)
	case config.PushAuthBasic:
		req.SetBasicAuth(p.config.Auth.Username, p.config.Auth.Password)
	case config.PushAuthCustomHeader:
		if p.config.Auth.HeaderName != "" {
			req.Header.Set(p.config.Auth.HeaderName, p.config.Auth.HeaderValue)
		}
	}
	return req, nil
}

// Reset clears the error state and cooldown history.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusError || p.status == StatusMinInterval || p.status == StatusCircuitOpen {
		p.status = StatusArmed
		p.lastErr = nil
	}
	p.lastSentTag = make(map[int64]time.Time)
}
