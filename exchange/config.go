package exchange

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

const (
	// DefaultBufferSize is one 2 MiB huge page plus a 4 KiB header page.
	DefaultBufferSize = 2*units.MiB + 4*units.KiB
	// DefaultSignal is the remote completion data attached to one-sided writes.
	DefaultSignal uint32 = 0x1234
	// DefaultCompletionTimeout bounds each completion wait.
	DefaultCompletionTimeout = 5 * time.Second
)

// Config controls session construction.
type Config struct {
	Mode       DispatchMode
	BufferSize int
	Signal     uint32
	// CompletionTimeout bounds every completion wait. Zero selects
	// DefaultCompletionTimeout; a negative value waits until the request
	// context ends.
	CompletionTimeout time.Duration
	Layout            DescriptorLayout
	// InBandDescriptor exchanges descriptors as the first message instead of
	// connection private data.
	InBandDescriptor bool

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
	Profiler         *Profiler
}

// Validate checks the configuration and fills unset fields with defaults.
func (c *Config) Validate() error {
	if c.Mode != TwoSided && c.Mode != OneSidedWrite {
		return fmt.Errorf("exchange: invalid dispatch mode %d", int(c.Mode))
	}
	if c.Layout != LayoutCompact && c.Layout != LayoutExtended {
		return fmt.Errorf("exchange: invalid descriptor layout %d", int(c.Layout))
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("exchange: invalid buffer size %d", c.BufferSize)
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Signal == 0 {
		c.Signal = DefaultSignal
	}
	if c.CompletionTimeout == 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	return nil
}

// ParseBufferSize parses sizes such as "2MiB", "2MiB+4KiB" or "2101248". Each
// "+" separated term is interpreted with binary units.
func ParseBufferSize(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("exchange: empty buffer size")
	}
	var total int64
	for _, term := range strings.Split(s, "+") {
		n, err := units.RAMInBytes(strings.TrimSpace(term))
		if err != nil {
			return 0, fmt.Errorf("exchange: parse buffer size %q: %w", s, err)
		}
		if n <= 0 {
			return 0, fmt.Errorf("exchange: buffer size term %q must be positive", term)
		}
		total += n
	}
	return int(total), nil
}

// FormatBufferSize renders n in binary units for logs.
func FormatBufferSize(n int) string {
	return units.BytesSize(float64(n))
}
