// Package misc holds small, dependency-light helpers shared across the
// attacker-in-the-middle engine: a generic lock-guarded map, a jittered
// sleeper, a failure counter, and the zap logger constructor the CLI uses
// to build the logger it hands to every other package.
package misc

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

// LockMap is a mutex-guarded map of string to *T.
type LockMap[T any] struct {
	mu sync.RWMutex
	m  map[string]*T
}

// NewLockMap initializes a LockMap. A nil m allocates an empty map.
func NewLockMap[T any](m map[string]*T) *LockMap[T] {
	if m == nil {
		m = make(map[string]*T)
	}
	return &LockMap[T]{m: m}
}

func (l *LockMap[T]) Get(key string) *T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.m[key]
}

func (l *LockMap[T]) Set(key string, value *T) {
	l.mu.Lock()
	l.m[key] = value
	l.mu.Unlock()
}

func (l *LockMap[T]) Delete(key string) {
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
}

func (l *LockMap[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}

// Sleeper sleeps a routine for a jittered duration around window, which is
// winMax - winMin seconds; the result is rounded to whole seconds.
//
// Jitter logic:
//  1. jitter is a random value between zero and jitterMax percent of window
//  2. jitter is either added to or subtracted from window
type Sleeper struct {
	winMin, winMax int
	window         float64
	jitterMax      int
}

func NewSleeper(minWin, maxWin, jitterMaxPercentage int) Sleeper {
	return Sleeper{minWin, maxWin, float64(maxWin - minWin), jitterMaxPercentage}
}

func (s Sleeper) Sleep() {
	jitter := s.window * (rnd.Float64() * (float64(s.jitterMax) / 100))
	var t float64
	if rnd.Intn(2) == 1 {
		t = s.window + jitter
	} else {
		t = s.window - jitter
	}
	time.Sleep(time.Second * time.Duration(int(math.Round(t))))
}

// FailCounter tracks the number of failures that have occurred, letting a
// caller stop a detrimental action (e.g. reverse DNS lookups) once a
// threshold is exceeded.
type FailCounter struct {
	max   int
	count int
	mu    sync.RWMutex
}

func NewFailCounter(max int) *FailCounter {
	return &FailCounter{max: max}
}

func (f *FailCounter) Inc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count < f.max {
		f.count++
	}
}

func (f *FailCounter) Exceeded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count >= f.max
}

func (f *FailCounter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// NewLogger instantiates a zap logger.
//
// level is one of: debug, info, warn, error, dpanic, panic, fatal.
//
// outputPaths and errOutputPaths are file paths or URLs to write logs to.
// A nil outputPaths sends non-error records to stdout; a nil
// errOutputPaths sends error records to stderr.
func NewLogger(level string, outputPaths, errOutputPaths []string) (*zap.Logger, error) {
	if outputPaths == nil {
		outputPaths = []string{"stdout"}
	}
	if errOutputPaths == nil {
		errOutputPaths = []string{"stderr"}
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("error parsing log level: %w", err)
	}

	zapCfg := zap.Config{
		Level:             lvl,
		Development:       false,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "message",
			LevelKey:    "level",
			TimeKey:     "time",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
			EncodeTime:  zapcore.ISO8601TimeEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: errOutputPaths,
	}

	return zapCfg.Build()
}
