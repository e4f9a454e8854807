package czmil

import "go.uber.org/zap"

// Defaults for the handful of knobs the core itself owns. Application
// configuration loading (environment, config files, flags) belongs to
// the host collaborator and is out of scope here.
const (
	DefaultIOBufferSize  = 64 * 1024
	DefaultHandleCapacity = 128
)

// handleConfig collects the options a create/open call can be tuned
// with via Option functions, mirroring the functional-options style
// used for storage configuration in the retrieval pack.
type handleConfig struct {
	ioBufferSize int
	logger       *zap.Logger
	stream       streamOpener
}

func defaultHandleConfig() handleConfig {
	return handleConfig{
		ioBufferSize: DefaultIOBufferSize,
		logger:       nopLogger,
		stream:       osStreamOpener{},
	}
}

// Option configures a create/open call.
type Option func(*handleConfig)

// WithIOBufferSize sets the I/O buffer size stored in the handle
// configuration. Values <= 0 are ignored. No handle allocates or uses
// a buffer of this size: reads and writes go straight to the Stream.
func WithIOBufferSize(size int) Option {
	return func(c *handleConfig) {
		if size > 0 {
			c.ioBufferSize = size
		}
	}
}

// WithLogger attaches a structured logger for lifecycle diagnostics
// (index regeneration on open, time-regression substitution).
// A nil logger is ignored and the no-op logger is kept.
func WithLogger(logger *zap.Logger) Option {
	return func(c *handleConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStream overrides the Stream backend used to open the four
// files, e.g. a TileDB VFS-backed stream for object-store URIs instead
// of the default *os.File backend.
func WithStream(opener streamOpener) Option {
	return func(c *handleConfig) {
		if opener != nil {
			c.stream = opener
		}
	}
}

func applyOptions(opts []Option) handleConfig {
	cfg := defaultHandleConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
