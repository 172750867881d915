// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config carries the driver configuration. Precedence, lowest to
// highest: built-in defaults, the toml file, explicitly set flags.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/meshjoin/meshjoin/pkg/exchange/netgroup"
	"github.com/meshjoin/meshjoin/pkg/util/logutil"
	"github.com/pingcap/errors"
	"github.com/spf13/pflag"
)

// Flag names accepted by the driver.
const (
	FlagConfig             = "config"
	FlagRanks              = "ranks"
	FlagRank               = "rank"
	FlagPeers              = "peers"
	FlagListenAddr         = "listen-addr"
	FlagExample            = "example"
	FlagRows               = "rows"
	FlagMaxKey             = "max-key"
	FlagSeed               = "seed"
	FlagProbeConcurrency   = "probe-concurrency"
	FlagVerifyConservation = "verify-conservation"
	FlagCompression        = "compression"
	FlagMaxMessageSize     = "max-message-size"
	FlagDialTimeout        = "dial-timeout"
	FlagStatusAddr         = "status-addr"
	FlagLogLevel           = "log-level"
	FlagLogFile            = "log-file"
	FlagLogFormat          = "log-format"
)

// NetConfig is the transport section. Sizes and durations stay strings in
// toml and on flags; Netgroup parses them.
type NetConfig struct {
	DialTimeout       string `toml:"dial-timeout" json:"dial-timeout"`
	HandshakeTimeout  string `toml:"handshake-timeout" json:"handshake-timeout"`
	KeepAliveInterval string `toml:"keepalive-interval" json:"keepalive-interval"`
	WriteTimeout      string `toml:"write-timeout" json:"write-timeout"`
	Compression       string `toml:"compression" json:"compression"`
	MaxMessageSize    string `toml:"max-message-size" json:"max-message-size"`
}

// Config is the full driver configuration.
type Config struct {
	ConfigFile string `toml:"-" json:"-"`

	// Ranks selects in-process mode: that many rank goroutines joined over
	// channels. Mutually exclusive with Peers.
	Ranks int `toml:"ranks" json:"ranks"`
	// Peers selects network mode: one address per rank, identical on every
	// rank. Rank is this process's position in it.
	Peers      []string `toml:"peers" json:"peers"`
	Rank       int      `toml:"rank" json:"rank"`
	ListenAddr string   `toml:"listen-addr" json:"listen-addr"`

	// Example switches the input generator to the fixed example tables;
	// otherwise tables are randomized from Rows, MaxKey and Seed.
	Example bool  `toml:"example" json:"example"`
	Rows    int64 `toml:"rows" json:"rows"`
	MaxKey  int32 `toml:"max-key" json:"max-key"`
	Seed    int64 `toml:"seed" json:"seed"`

	ProbeConcurrency   int  `toml:"probe-concurrency" json:"probe-concurrency"`
	VerifyConservation bool `toml:"verify-conservation" json:"verify-conservation"`

	StatusAddr string `toml:"status-addr" json:"status-addr"`

	Log logutil.Config `toml:"log" json:"log"`
	Net NetConfig      `toml:"net" json:"net"`
}

// DefaultConfig returns the built-in defaults: a single in-process rank
// joining the example tables.
func DefaultConfig() *Config {
	return &Config{
		Ranks:            1,
		Example:          true,
		Rows:             10,
		MaxKey:           6,
		Seed:             1,
		ProbeConcurrency: 1,
		Log: logutil.Config{
			Level:  "info",
			Format: "text",
		},
		Net: NetConfig{
			DialTimeout:       "30s",
			HandshakeTimeout:  "10s",
			KeepAliveInterval: "15s",
			WriteTimeout:      "10s",
			Compression:       netgroup.CompressionNone,
			MaxMessageSize:    "256MiB",
		},
	}
}

// DefineFlags declares the driver flags on the given flag set.
func (c *Config) DefineFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfig, "", "config file path")
	flags.Int(FlagRanks, c.Ranks, "run this many in-process ranks")
	flags.Int(FlagRank, c.Rank, "this process's rank, for network mode")
	flags.StringSlice(FlagPeers, c.Peers, "all rank addresses in rank order, for network mode")
	flags.String(FlagListenAddr, c.ListenAddr, "address to bind instead of the own peer entry")
	flags.Bool(FlagExample, c.Example, "join the fixed example tables instead of random ones")
	flags.Int64(FlagRows, c.Rows, "global rows per table for random inputs")
	flags.Int32(FlagMaxKey, c.MaxKey, "largest random join key")
	flags.Int64(FlagSeed, c.Seed, "random input seed")
	flags.Int(FlagProbeConcurrency, c.ProbeConcurrency, "goroutines probing the local hash index")
	flags.Bool(FlagVerifyConservation, c.VerifyConservation, "cross-check global row counts around the shuffle")
	flags.String(FlagCompression, c.Net.Compression, "frame body compression: none or zstd")
	flags.String(FlagMaxMessageSize, c.Net.MaxMessageSize, "per-frame body cap, e.g. 64MiB")
	flags.String(FlagDialTimeout, c.Net.DialTimeout, "total time allowed for the group rendezvous")
	flags.String(FlagStatusAddr, c.StatusAddr, "address to expose /metrics on, empty to disable")
	flags.String(FlagLogLevel, c.Log.Level, "log level: debug, info, warn, error, fatal")
	flags.String(FlagLogFile, c.Log.File, "log file, empty to log to stderr")
	flags.String(FlagLogFormat, c.Log.Format, "log format: text or json")
}

// ParseFromFlags loads the config file when given and then overrides the
// result with every flag the user set explicitly.
func (c *Config) ParseFromFlags(flags *pflag.FlagSet) error {
	var err error
	if c.ConfigFile, err = flags.GetString(FlagConfig); err != nil {
		return errors.Trace(err)
	}
	if c.ConfigFile != "" {
		if err = c.Load(c.ConfigFile); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagRanks) {
		if c.Ranks, err = flags.GetInt(FlagRanks); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagRank) {
		if c.Rank, err = flags.GetInt(FlagRank); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagPeers) {
		if c.Peers, err = flags.GetStringSlice(FlagPeers); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagListenAddr) {
		if c.ListenAddr, err = flags.GetString(FlagListenAddr); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagExample) {
		if c.Example, err = flags.GetBool(FlagExample); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagRows) {
		if c.Rows, err = flags.GetInt64(FlagRows); err != nil {
			return errors.Trace(err)
		}
		// Asking for random rows implies random inputs.
		if !flags.Changed(FlagExample) {
			c.Example = false
		}
	}
	if flags.Changed(FlagMaxKey) {
		if c.MaxKey, err = flags.GetInt32(FlagMaxKey); err != nil {
			return errors.Trace(err)
		}
		if !flags.Changed(FlagExample) {
			c.Example = false
		}
	}
	if flags.Changed(FlagSeed) {
		if c.Seed, err = flags.GetInt64(FlagSeed); err != nil {
			return errors.Trace(err)
		}
		if !flags.Changed(FlagExample) {
			c.Example = false
		}
	}
	if flags.Changed(FlagProbeConcurrency) {
		if c.ProbeConcurrency, err = flags.GetInt(FlagProbeConcurrency); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagVerifyConservation) {
		if c.VerifyConservation, err = flags.GetBool(FlagVerifyConservation); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagCompression) {
		if c.Net.Compression, err = flags.GetString(FlagCompression); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagMaxMessageSize) {
		if c.Net.MaxMessageSize, err = flags.GetString(FlagMaxMessageSize); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagDialTimeout) {
		if c.Net.DialTimeout, err = flags.GetString(FlagDialTimeout); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagStatusAddr) {
		if c.StatusAddr, err = flags.GetString(FlagStatusAddr); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagLogLevel) {
		if c.Log.Level, err = flags.GetString(FlagLogLevel); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagLogFile) {
		if c.Log.File, err = flags.GetString(FlagLogFile); err != nil {
			return errors.Trace(err)
		}
	}
	if flags.Changed(FlagLogFormat) {
		if c.Log.Format, err = flags.GetString(FlagLogFormat); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.Adjust())
}

// Load reads the config file over the current values.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// NetworkMode reports whether the driver should join a TCP group rather
// than spawn in-process ranks.
func (c *Config) NetworkMode() bool {
	return len(c.Peers) > 0
}

// Adjust validates the configuration and fills derived values.
func (c *Config) Adjust() error {
	if c.NetworkMode() {
		if c.Rank < 0 || c.Rank >= len(c.Peers) {
			return errors.Errorf("rank %d outside peer list of %d", c.Rank, len(c.Peers))
		}
	} else {
		if c.Ranks < 1 {
			return errors.Errorf("ranks must be positive, got %d", c.Ranks)
		}
	}
	if c.Rows < 0 {
		return errors.Errorf("rows must be non-negative, got %d", c.Rows)
	}
	if c.MaxKey < 0 {
		return errors.Errorf("max-key must be non-negative, got %d", c.MaxKey)
	}
	if c.ProbeConcurrency < 1 {
		c.ProbeConcurrency = 1
	}
	// Surface transport config mistakes at startup, not at dial time.
	if c.NetworkMode() {
		if _, err := c.Netgroup(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Annotatef(err, "parse %s", name)
	}
	return d, nil
}

// Netgroup builds the transport config for network mode.
func (c *Config) Netgroup() (netgroup.Config, error) {
	var (
		cfg netgroup.Config
		err error
	)
	cfg.Peers = c.Peers
	cfg.Rank = c.Rank
	cfg.ListenAddr = c.ListenAddr
	cfg.Compression = c.Net.Compression
	if cfg.DialTimeout, err = parseDuration(FlagDialTimeout, c.Net.DialTimeout); err != nil {
		return netgroup.Config{}, errors.Trace(err)
	}
	if cfg.HandshakeTimeout, err = parseDuration("handshake-timeout", c.Net.HandshakeTimeout); err != nil {
		return netgroup.Config{}, errors.Trace(err)
	}
	if cfg.KeepAliveInterval, err = parseDuration("keepalive-interval", c.Net.KeepAliveInterval); err != nil {
		return netgroup.Config{}, errors.Trace(err)
	}
	if cfg.WriteTimeout, err = parseDuration("write-timeout", c.Net.WriteTimeout); err != nil {
		return netgroup.Config{}, errors.Trace(err)
	}
	if c.Net.MaxMessageSize != "" {
		size, err := units.RAMInBytes(c.Net.MaxMessageSize)
		if err != nil {
			return netgroup.Config{}, errors.Annotatef(err, "parse %s", FlagMaxMessageSize)
		}
		cfg.MaxMessageBytes = size
	}
	return cfg, nil
}
