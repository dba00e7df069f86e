package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Forwarder receives rendered log lines. It must be safe for concurrent use.
type Forwarder interface {
	Forward(ctx context.Context, text string) error
}

const (
	forwardQueue   = 256
	forwardTimeout = 10 * time.Second
	forwardMaxLen  = 3500
	forwardMaxVal  = 600
)

// forwarder is a zerolog.LevelWriter that hands lines to a background
// sender. A full queue or an exhausted rate limit drops the line.
type forwarder struct {
	queue chan string

	mu      sync.Mutex
	target  Forwarder
	min     Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newForwarder() *forwarder {
	return &forwarder{queue: make(chan string, forwardQueue), min: LevelWarn}
}

func (f *forwarder) setTarget(t Forwarder) {
	f.mu.Lock()
	f.target = t
	f.mu.Unlock()
}

// configure applies cfg and reports whether lines should be written to f.
func (f *forwarder) configure(cfg ForwardConfig) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !cfg.Enabled || f.target == nil {
		return false
	}
	f.min = parseLevel(cfg.MinLevel, LevelWarn)
	rps := max(cfg.RatePerSec, 1)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if f.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel, f.done = cancel, make(chan struct{})
		go f.run(ctx, f.done)
	}
	return true
}

func (f *forwarder) stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *forwarder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-f.queue:
			f.mu.Lock()
			t := f.target
			f.mu.Unlock()
			if t == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
			_ = t.Forward(sctx, text)
			cancel()
		}
	}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(LevelInfo, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	allowed := level >= f.min && f.limiter != nil && f.limiter.Allow()
	f.mu.Unlock()
	if !allowed {
		return len(p), nil
	}
	if text := renderForward(p); text != "" {
		select {
		case f.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// renderForward turns a JSON log line into "LEVEL message" plus one
// "key: value" line per field, keys sorted.
func renderForward(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return clip(line, forwardMaxLen)
	}
	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)
	delete(m, "level")
	delete(m, "message")
	delete(m, "time")

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), forwardMaxVal))
	}
	return clip(b.String(), forwardMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
