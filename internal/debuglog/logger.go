// Package debuglog builds the node's zap logger and rate limits noisy lines.
package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvDebug = "GITMESH_DEBUG"

func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// New returns a development console logger when debug is set, or when the
// environment switch is on; otherwise a production JSON logger at info.
func New(debug bool) (*zap.Logger, error) {
	if debug || Enabled() {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	return cfg.Build()
}

// Limiter lets one line per key through every interval.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, last: make(map[string]time.Time)}
}

func (l *Limiter) Allow(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Warn logs at warn level unless key was logged within the interval.
func (l *Limiter) Warn(log *zap.Logger, key, msg string, fields ...zap.Field) {
	if l.Allow(key, time.Now()) {
		log.Warn(msg, fields...)
	}
}

// Debug is Warn at debug level.
func (l *Limiter) Debug(log *zap.Logger, key, msg string, fields ...zap.Field) {
	if l.Allow(key, time.Now()) {
		log.Debug(msg, fields...)
	}
}
