package sepcorr

import (
	"io"
	"log"
)

// Default tuning values for a correction job.
const (
	DefaultGridSize         = 50
	DefaultProgressInterval = 100
	DefaultMaxWarningLines  = 20
)

// Options contains the tunables shared by the loaders and the pipeline.
type Options struct {
	Delimiter           byte        // Field delimiter of survey rows (default '/')
	TimestampDelimiters int         // Delimiter occurrences that end the timestamp (default 4)
	GridSize            int         // Spatial grid resolution per axis (default 50)
	ProgressInterval    int         // Lines between progress reports and cancel checks (default 100)
	MaxWarningLines     int         // Parse warnings kept verbatim in the Summary (default 20)
	ReferenceCache      bool        // Reuse a gob snapshot of the reference table when fresh
	MarkUnmatched       bool        // Legacy output: exact matches only, "(*)" prefix otherwise
	Logger              *log.Logger // Destination for info/warning lines
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithDelimiter sets the survey row field delimiter.
func WithDelimiter(d byte) Option {
	return func(o *Options) {
		o.Delimiter = d
	}
}

// WithTimestampDelimiters sets how many delimiters belong to the timestamp.
func WithTimestampDelimiters(n int) Option {
	return func(o *Options) {
		o.TimestampDelimiters = n
	}
}

// WithGridSize sets the number of spatial index cells per axis.
func WithGridSize(n int) Option {
	return func(o *Options) {
		o.GridSize = n
	}
}

// WithProgressInterval sets the line interval between progress reports.
// The same interval bounds how long a cancellation can go unnoticed.
func WithProgressInterval(lines int) Option {
	return func(o *Options) {
		o.ProgressInterval = lines
	}
}

// WithMaxWarningLines caps the parse warnings retained in the Summary.
func WithMaxWarningLines(n int) Option {
	return func(o *Options) {
		o.MaxWarningLines = n
	}
}

// WithReferenceCache enables the on-disk reference table snapshot.
func WithReferenceCache(enabled bool) Option {
	return func(o *Options) {
		o.ReferenceCache = enabled
	}
}

// WithMarkUnmatched switches to the legacy exact-only output mode.
func WithMarkUnmatched(enabled bool) Option {
	return func(o *Options) {
		o.MarkUnmatched = enabled
	}
}

// WithLogger sets the logger. A nil logger discards all output.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		if l == nil {
			l = log.New(io.Discard, "", 0)
		}
		o.Logger = l
	}
}

// defaultOptions returns the default configuration.
func defaultOptions() *Options {
	return &Options{
		Delimiter:           DefaultDelimiter,
		TimestampDelimiters: DefaultTimestampDelimiters,
		GridSize:            DefaultGridSize,
		ProgressInterval:    DefaultProgressInterval,
		MaxWarningLines:     DefaultMaxWarningLines,
		Logger:              log.Default(),
	}
}

// buildOptions applies opts over the defaults and repairs nonsensical values.
func buildOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Delimiter == 0 {
		o.Delimiter = DefaultDelimiter
	}
	if o.TimestampDelimiters <= 0 {
		o.TimestampDelimiters = DefaultTimestampDelimiters
	}
	if o.GridSize <= 0 {
		o.GridSize = DefaultGridSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.MaxWarningLines < 0 {
		o.MaxWarningLines = 0
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

func (o *Options) codec() Codec {
	return Codec{Delimiter: o.Delimiter, TimestampDelimiters: o.TimestampDelimiters}
}
