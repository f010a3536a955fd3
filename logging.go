package ivydb

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// logRegistry is the process-wide debug log sink, lazily initialized and
// shared by every environment in the process. §9 models global engine state
// (live environments, debug sinks, feature flags) as a single registry
// guarded by a dedicated mutex; this is the log-sink half of that registry.
var (
	logRegistryOnce sync.Once
	logRegistryMu   sync.Mutex
	logger          zerolog.Logger
	debugLevelOn    atomic.Bool
)

func initLogRegistry() {
	logRegistryOnce.Do(func() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
			With().Timestamp().Str("component", "ivydb").Logger().
			Level(zerolog.WarnLevel)
	})
}

// SetDebugLog enables or disables verbose debug logging for the process-wide
// log sink. Disabled by default so normal operation stays quiet; enabling it
// surfaces GC commit convergence and stale reader slot reclaim events at
// debug level.
func SetDebugLog(enabled bool) {
	initLogRegistry()
	logRegistryMu.Lock()
	defer logRegistryMu.Unlock()
	debugLevelOn.Store(enabled)
	if enabled {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.WarnLevel)
	}
}

func debugLog() *zerolog.Event {
	initLogRegistry()
	return logger.Debug()
}

func warnLog() *zerolog.Event {
	initLogRegistry()
	return logger.Warn()
}

// assertInvariant is the installed assert/log hook described in §7 and §9:
// an invariant violation is logged with context and then panics, tainting
// the owning transaction's state. Production callers are expected to close
// the environment after observing the panic rather than continue using it.
func assertInvariant(cond bool, msg string, fields map[string]any) {
	if cond {
		return
	}
	initLogRegistry()
	ev := logger.Error().Str("invariant", msg)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("invariant violation")
	panic("ivydb: invariant violation: " + msg)
}
