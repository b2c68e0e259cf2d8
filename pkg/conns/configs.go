package conns

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Balancer policy names accepted by BalancerConfig.
const (
	RoundRobinPolicy = "round-robin"
	FailoverPolicy   = "fail-over"
)

// ClientConfig represents the configuration values for a full client stack.
type ClientConfig struct {
	DialConfig        *DialConfig        `json:"DialConfig" yaml:"DialConfig"`
	AuthConfig        *AuthConfig        `json:"AuthConfig" yaml:"AuthConfig"`
	HeartbeatConfig   *HeartbeatConfig   `json:"HeartbeatConfig" yaml:"HeartbeatConfig"`
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	BalancerConfig    *BalancerConfig    `json:"BalancerConfig" yaml:"BalancerConfig"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// DialConfig represents settings for the dial leaf factory. Multiple URIs
// place a load balancer over one dial factory per URI.
type DialConfig struct {
	URIs              []string   `json:"URIs" yaml:"URIs"`
	DialTimeoutMillis uint32     `json:"DialTimeoutMillis" yaml:"DialTimeoutMillis"` // 0 uses the transport default
	TLSConfig         *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`
}

// TLSConfig represents settings for configuring TLS on dialed connections.
type TLSConfig struct {
	EnableTLS          bool   `json:"EnableTLS" yaml:"EnableTLS"`
	CertServerName     string `json:"CertServerName" yaml:"CertServerName"`
	InsecureSkipVerify bool   `json:"InsecureSkipVerify" yaml:"InsecureSkipVerify"`
}

// AuthConfig represents the pre-authentication bind applied by
// AuthenticatedConnectionFactory before a connection is handed out.
type AuthConfig struct {
	Enabled      bool   `json:"Enabled" yaml:"Enabled"`
	BindDN       string `json:"BindDN" yaml:"BindDN"`
	BindPassword string `json:"BindPassword" yaml:"BindPassword"`
}

// HeartbeatConfig represents settings for periodic liveness probing.
//
// Probe, Scheduler and Logger are runtime fields: a nil Probe means the
// minimal default probe search, a nil Scheduler means the factory owns one,
// a nil Logger means no logging.
type HeartbeatConfig struct {
	Enabled        bool   `json:"Enabled" yaml:"Enabled"`
	IntervalMillis uint32 `json:"IntervalMillis" yaml:"IntervalMillis"` // default 10000
	TimeoutMillis  uint32 `json:"TimeoutMillis" yaml:"TimeoutMillis"`   // default 500

	Probe     *SearchRequest
	Scheduler *Scheduler
	Logger    *zap.Logger
}

// Interval returns the probe interval with the documented default applied.
func (c *HeartbeatConfig) Interval() time.Duration {
	if c.IntervalMillis == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

// Timeout returns the probe deadline with the documented default applied.
func (c *HeartbeatConfig) Timeout() time.Duration {
	if c.TimeoutMillis == 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// PoolConfig represents settings for the cached connection pool.
//
// MaxPoolSize 0 means unbounded. IdleTimeoutMillis 0 applies the documented
// default of 60000. AcquireTimeoutMillis 0 blocks indefinitely at capacity,
// which is a documented caller responsibility. SweepIntervalMillis 0 runs
// the sweep at half the idle timeout.
type PoolConfig struct {
	Enabled              bool   `json:"Enabled" yaml:"Enabled"`
	CorePoolSize         int    `json:"CorePoolSize" yaml:"CorePoolSize"`
	MaxPoolSize          int    `json:"MaxPoolSize" yaml:"MaxPoolSize"`
	IdleTimeoutMillis    uint32 `json:"IdleTimeoutMillis" yaml:"IdleTimeoutMillis"`
	AcquireTimeoutMillis uint32 `json:"AcquireTimeoutMillis" yaml:"AcquireTimeoutMillis"`
	SweepIntervalMillis  uint32 `json:"SweepIntervalMillis" yaml:"SweepIntervalMillis"`

	Scheduler *Scheduler
	Logger    *zap.Logger
}

// validate rejects misconfiguration eagerly, at construction, never deferred
// to first use.
func (c *PoolConfig) validate() error {
	if c.CorePoolSize < 0 {
		return errors.New("pool corepoolsize can't be negative")
	}
	if c.MaxPoolSize < 0 {
		return errors.New("pool maxpoolsize can't be negative")
	}
	if c.MaxPoolSize > 0 && c.CorePoolSize > c.MaxPoolSize {
		return errors.New("pool corepoolsize can't exceed maxpoolsize")
	}
	return nil
}

// IdleTimeout returns the idle eviction threshold with the default applied.
func (c *PoolConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMillis == 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IdleTimeoutMillis) * time.Millisecond
}

// AcquireTimeout returns the acquisition deadline; zero blocks indefinitely.
func (c *PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMillis) * time.Millisecond
}

// SweepInterval returns the eviction sweep interval, defaulting to half the
// idle timeout.
func (c *PoolConfig) SweepInterval() time.Duration {
	if c.SweepIntervalMillis == 0 {
		return c.IdleTimeout() / 2
	}
	return time.Duration(c.SweepIntervalMillis) * time.Millisecond
}

// BalancerConfig selects the policy used when DialConfig lists several URIs.
type BalancerConfig struct {
	Policy string `json:"Policy" yaml:"Policy"` // round-robin (default) or fail-over
}

// CompressionConfig allows you to configure snapshot compression.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// EncryptionConfig allows you to configure symmetric snapshot encryption.
// Hashkey is derived at runtime from a passphrase and salt, never serialized.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}
