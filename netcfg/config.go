/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package netcfg is the structured, viper-backed configuration ambient to
// the rest of this module: socket defaults, rate-limiter tuning and TLS
// defaults read from file, environment, or defaults alone.
package netcfg

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sabouaram/netkit/neterr"
)

// Socket holds socket settings a program can apply to the Socket and
// ListenSocket values it creates (echoserver passes the buffer sizes to
// SetBufferSizes); the socket package does not read them itself.
type Socket struct {
	ReceiveBufferBytes int           `mapstructure:"receive_buffer_bytes"`
	SendBufferBytes    int           `mapstructure:"send_buffer_bytes"`
	KeepaliveInterval  time.Duration `mapstructure:"keepalive_interval"`
}

// RateLimiter holds a tick interval and a burst tolerance for the
// hierarchical rate limiter. The ratelimit package does not read them: its
// Manager ticks at a fixed 5 Hz and takes an integer burst tolerance through
// SetBurstTolerance.
type RateLimiter struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	BurstTolerance  float64       `mapstructure:"burst_tolerance"`
}

// TLS holds defaults for tlslayer.Layer instances: the negotiable version
// range and the ALPN protocol list offered/accepted.
type TLS struct {
	MinVersion string   `mapstructure:"min_version"`
	MaxVersion string   `mapstructure:"max_version"`
	ALPN       []string `mapstructure:"alpn"`
}

// Config is the top-level structured configuration for this module.
type Config struct {
	LoopCount   int         `mapstructure:"loop_count"`
	Socket      Socket      `mapstructure:"socket"`
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`
	TLS         TLS         `mapstructure:"tls"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LoopCount: 1,
		Socket: Socket{
			ReceiveBufferBytes: 64 * 1024,
			SendBufferBytes:    64 * 1024,
			KeepaliveInterval:  30 * time.Second,
		},
		RateLimiter: RateLimiter{
			TickInterval:   100 * time.Millisecond,
			BurstTolerance: 1.5,
		},
		TLS: TLS{
			MinVersion: "1.2",
			MaxVersion: "1.3",
			ALPN:       []string{"h2", "http/1.1"},
		},
	}
}

// Loader reads a Config from file/environment via viper, falling back to
// Default for anything unset, grounded on the teacher's
// read-config-file-then-unmarshal-into-a-struct idiom.
type Loader struct {
	v *viper.Viper
}

// NewLoader builds a Loader with viper's own environment-variable
// auto-binding enabled under the given prefix (e.g. "NETKIT" exposes
// NETKIT_SOCKET_KEEPALIVE_INTERVAL for socket.keepalive_interval).
func NewLoader(envPrefix string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying *viper.Viper for callers that need to set
// additional sources (flags, remote providers) before Load.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// applyDefaults registers cfg's values as viper defaults under their
// mapstructure key paths. This has to happen key-by-key (rather than
// relying on Unmarshal alone to fall back to a pre-populated struct)
// because viper's AutomaticEnv only resolves a key during Unmarshal if
// that key is already known to viper from some layer — SetDefault is what
// makes every field visible to an environment-variable override.
func (l *Loader) applyDefaults(cfg Config) {
	l.v.SetDefault("loop_count", cfg.LoopCount)
	l.v.SetDefault("socket.receive_buffer_bytes", cfg.Socket.ReceiveBufferBytes)
	l.v.SetDefault("socket.send_buffer_bytes", cfg.Socket.SendBufferBytes)
	l.v.SetDefault("socket.keepalive_interval", cfg.Socket.KeepaliveInterval)
	l.v.SetDefault("rate_limiter.tick_interval", cfg.RateLimiter.TickInterval)
	l.v.SetDefault("rate_limiter.burst_tolerance", cfg.RateLimiter.BurstTolerance)
	l.v.SetDefault("tls.min_version", cfg.TLS.MinVersion)
	l.v.SetDefault("tls.max_version", cfg.TLS.MaxVersion)
	l.v.SetDefault("tls.alpn", cfg.TLS.ALPN)
}

// Load reads path (if non-empty) and unmarshals the result over Default(),
// with file and then environment-variable values (under the Loader's
// prefix) taking precedence.
func (l *Loader) Load(path string) (Config, error) {
	l.applyDefaults(Default())

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, neterr.Wrap(neterr.InvalidArgument, "netcfg.load: read config file", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, neterr.Wrap(neterr.InvalidArgument, "netcfg.load: unmarshal", err)
	}
	return cfg, nil
}

var versionByName = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// TLSVersion resolves a "1.2"/"1.3"-style config string to the tls package
// constant, defaulting to TLS 1.2 for an unrecognized value.
func TLSVersion(name string) uint16 {
	if v, ok := versionByName[name]; ok {
		return v
	}
	return tls.VersionTLS12
}
