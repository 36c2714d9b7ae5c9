package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Request kinds for starting a debug session.
const (
	RequestAttach = "attach"
	RequestLaunch = "launch"
)

// Output surfaces.
const (
	OutputTerminal = "terminal"
	OutputHTML     = "html"
	OutputText     = "text"
)

// Config is the complete rtosview configuration.
type Config struct {
	Adapter AdapterConfig `toml:"adapter" yaml:"adapter"`
	RTOS    RTOSConfig    `toml:"rtos" yaml:"rtos"`
	View    ViewConfig    `toml:"view" yaml:"view"`
	Log     LogConfig     `toml:"log" yaml:"log"`
}

// AdapterConfig describes how to reach the debug adapter.
type AdapterConfig struct {
	// Address is host:port of a debug adapter listening on TCP.
	Address string `toml:"address" yaml:"address"`
	// Command starts a debug adapter speaking on stdio. Exclusive with
	// Address.
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	// Request is "attach" or "launch".
	Request string `toml:"request" yaml:"request"`
	// Arguments are forwarded verbatim as the attach or launch arguments.
	Arguments map[string]any `toml:"arguments" yaml:"arguments"`
	// Timeout bounds connecting and each setup request.
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// RTOSConfig controls variant selection and refresh.
type RTOSConfig struct {
	// VariantsDir holds variant manifests.
	VariantsDir string `toml:"variants_dir" yaml:"variants_dir"`
	// Enabled restricts the candidates to these names, in this order.
	// Empty enables every manifest.
	Enabled []string `toml:"enabled" yaml:"enabled"`
	// DetectRetries bounds busy-deferred detection attempts. Zero means
	// unbounded.
	DetectRetries int `toml:"detect_retries" yaml:"detect_retries"`
	// RefreshDebounce coalesces stops that arrive in quick succession.
	RefreshDebounce Duration `toml:"refresh_debounce" yaml:"refresh_debounce"`
}

// ViewConfig selects the display surface.
type ViewConfig struct {
	Output    string `toml:"output" yaml:"output"`
	HTMLPath  string `toml:"html_path" yaml:"html_path"`
	Timestamp bool   `toml:"timestamp" yaml:"timestamp"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	// File receives log output; empty means stderr.
	File string `toml:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Address: "localhost:4711",
			Request: RequestAttach,
			Timeout: Duration(10 * time.Second),
		},
		RTOS: RTOSConfig{
			VariantsDir:     "variants",
			DetectRetries:   10,
			RefreshDebounce: Duration(50 * time.Millisecond),
		},
		View: ViewConfig{
			Output:    OutputTerminal,
			Timestamp: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var logLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate checks the configuration. Every problem found is reported;
// each wraps ErrInvalidConfiguration.
func (c *Config) Validate() error {
	var errs []error

	a := c.Adapter
	switch {
	case a.Address == "" && a.Command == "":
		errs = append(errs, invalid("adapter: one of address or command is required"))
	case a.Address != "" && a.Command != "":
		errs = append(errs, invalid("adapter: address and command are exclusive"))
	}
	if a.Request != RequestAttach && a.Request != RequestLaunch {
		errs = append(errs, invalid("adapter.request %q must be %q or %q", a.Request, RequestAttach, RequestLaunch))
	}
	if a.Timeout < 0 {
		errs = append(errs, invalid("adapter.timeout must not be negative"))
	}

	if c.RTOS.DetectRetries < 0 {
		errs = append(errs, invalid("rtos.detect_retries must not be negative"))
	}
	if c.RTOS.RefreshDebounce < 0 {
		errs = append(errs, invalid("rtos.refresh_debounce must not be negative"))
	}

	switch c.View.Output {
	case OutputTerminal, OutputText:
	case OutputHTML:
		if c.View.HTMLPath == "" {
			errs = append(errs, invalid("view.html_path is required for html output"))
		}
	default:
		errs = append(errs, invalid("view.output %q must be terminal, html or text", c.View.Output))
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, invalid("log.level %q is not one of %s", c.Log.Level, strings.Join(logLevels, ", ")))
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	return d.UnmarshalText([]byte(node.Value))
}
