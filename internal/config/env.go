package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "RTOSVIEW_"

// LookupFunc reports the value of an environment variable. os.LookupEnv
// satisfies it.
type LookupFunc func(key string) (string, bool)

// envSetting applies one environment variable to the configuration.
type envSetting struct {
	name  string
	apply func(c *Config, value string) error
}

func envSettings() []envSetting {
	str := func(name string, field func(*Config) *string) envSetting {
		return envSetting{name: name, apply: func(c *Config, v string) error {
			*field(c) = v
			return nil
		}}
	}
	return []envSetting{
		str("ADAPTER_ADDRESS", func(c *Config) *string { return &c.Adapter.Address }),
		str("ADAPTER_COMMAND", func(c *Config) *string { return &c.Adapter.Command }),
		str("ADAPTER_REQUEST", func(c *Config) *string { return &c.Adapter.Request }),
		{name: "ADAPTER_TIMEOUT", apply: func(c *Config, v string) error {
			return c.Adapter.Timeout.UnmarshalText([]byte(v))
		}},
		str("RTOS_VARIANTS_DIR", func(c *Config) *string { return &c.RTOS.VariantsDir }),
		{name: "RTOS_ENABLED", apply: func(c *Config, v string) error {
			c.RTOS.Enabled = splitList(v)
			return nil
		}},
		{name: "RTOS_DETECT_RETRIES", apply: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			c.RTOS.DetectRetries = n
			return nil
		}},
		{name: "RTOS_REFRESH_DEBOUNCE", apply: func(c *Config, v string) error {
			return c.RTOS.RefreshDebounce.UnmarshalText([]byte(v))
		}},
		str("VIEW_OUTPUT", func(c *Config) *string { return &c.View.Output }),
		str("VIEW_HTML_PATH", func(c *Config) *string { return &c.View.HTMLPath }),
		{name: "VIEW_TIMESTAMP", apply: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			c.View.Timestamp = b
			return nil
		}},
		str("LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),
		str("LOG_FILE", func(c *Config) *string { return &c.Log.File }),
	}
}

// EnvNames lists the recognized environment variables.
func EnvNames() []string {
	settings := envSettings()
	names := make([]string, len(settings))
	for i, s := range settings {
		names[i] = EnvPrefix + s.name
	}
	return names
}

// ApplyEnv overrides c from the environment. Empty values are treated as
// set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, s := range envSettings() {
		name := EnvPrefix + s.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := s.apply(c, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, name, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
