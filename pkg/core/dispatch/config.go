// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/placement/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Config of the dispatch engine.
//
// It can be loaded from a TOML file with LoadConfig, and overridden by the PLACEMENT_* environment variables
// with ApplyEnv.
type Config struct {
	// CrossHostTransferSocketAddress is the address used to transfer arrays across processes, when the backend
	// doesn't support it natively.
	CrossHostTransferSocketAddress string `toml:"cross_host_transfer_socket_address"`

	// CrossHostTransportAddresses are the addresses of the other processes for cross-host transfers.
	CrossHostTransportAddresses []string `toml:"cross_host_transport_addresses"`

	// DebugNaNs checks the outputs of primitives for NaNs, and returns a NumericalError if one is found.
	DebugNaNs bool `toml:"debug_nans"`

	// DebugInfs checks the outputs of primitives for infinities, and returns a NumericalError if one is found.
	DebugInfs bool `toml:"debug_infs"`

	// LogCompiles logs every compilation with a warning, instead of only at verbosity level 1.
	LogCompiles bool `toml:"log_compiles"`

	// DisableExitDrain disables the registration of new token sets for DrainOnExit.
	DisableExitDrain bool `toml:"disable_exit_drain"`
}

// Environment variables overriding the configuration.
const (
	EnvCrossHostTransferSocketAddress = "PLACEMENT_CROSS_HOST_TRANSFER_SOCKET_ADDRESS"
	EnvCrossHostTransportAddresses    = "PLACEMENT_CROSS_HOST_TRANSPORT_ADDRESSES"
	EnvDebugNaNs                      = "PLACEMENT_DEBUG_NANS"
	EnvDebugInfs                      = "PLACEMENT_DEBUG_INFS"
	EnvLogCompiles                    = "PLACEMENT_LOG_COMPILES"
	EnvDisableExitDrain               = "PLACEMENT_DISABLE_EXIT_DRAIN"
)

// DefaultConfig returns the default configuration, without environment overrides.
func DefaultConfig() *Config {
	return &Config{}
}

// LoadConfig reads the configuration from a TOML file, over the defaults, and then applies the environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	contents, err := fsutil.ReadFile(path, "dispatch configuration")
	if err != nil {
		return nil, err
	}
	config, err := ParseConfig(string(contents))
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseConfig parses a TOML configuration over the defaults. Unknown keys are an error.
func ParseConfig(contents string) (*Config, error) {
	config := DefaultConfig()
	meta, err := toml.Decode(contents, config)
	if err != nil {
		return nil, errors.Wrap(err, "parsing dispatch configuration")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, errors.Errorf("unknown dispatch configuration keys: %s", strings.Join(keys, ", "))
	}
	return config, nil
}

// ApplyEnv overrides the configuration with the PLACEMENT_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	if v, found := os.LookupEnv(EnvCrossHostTransferSocketAddress); found {
		c.CrossHostTransferSocketAddress = v
	}
	if v, found := os.LookupEnv(EnvCrossHostTransportAddresses); found {
		c.CrossHostTransportAddresses = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.CrossHostTransportAddresses = append(c.CrossHostTransportAddresses, addr)
			}
		}
	}
	for _, flag := range []struct {
		env   string
		value *bool
	}{
		{EnvDebugNaNs, &c.DebugNaNs},
		{EnvDebugInfs, &c.DebugInfs},
		{EnvLogCompiles, &c.LogCompiles},
		{EnvDisableExitDrain, &c.DisableExitDrain},
	} {
		v, found := os.LookupEnv(flag.env)
		if !found || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid value for $%s", flag.env)
		}
		*flag.value = b
	}
	return nil
}
