package chatstate

import "time"

const (
	DefaultReadSkewTolerance   = 5 * time.Second
	DefaultQueryLimit          = 30
	DefaultMessageLimit        = 30
	DefaultMemberLimit         = 30
	DefaultOutboxRetryLimit    = 5
	DefaultOutboxFlushInterval = time.Second
	DefaultRecoveryConcurrency = 4
)

// Config tunes a Session.
type Config struct {
	// ReadSkewTolerance is how far an incoming read position may lag behind the
	// local one and still be accepted.
	ReadSkewTolerance time.Duration

	// QueryLimit is the default page size for channel queries.
	QueryLimit int

	// MessageLimit is the number of messages fetched per channel page.
	MessageLimit int

	// MemberLimit is the number of members fetched per channel.
	MemberLimit int

	OutboxRetryLimit    int
	OutboxFlushInterval time.Duration

	// SyncOnConnect re-runs stale queries and channel watches when the
	// connection comes back.
	SyncOnConnect bool

	// RecoveryConcurrency bounds parallel recovery requests.
	RecoveryConcurrency int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ReadSkewTolerance:   DefaultReadSkewTolerance,
		QueryLimit:          DefaultQueryLimit,
		MessageLimit:        DefaultMessageLimit,
		MemberLimit:         DefaultMemberLimit,
		OutboxRetryLimit:    DefaultOutboxRetryLimit,
		OutboxFlushInterval: DefaultOutboxFlushInterval,
		SyncOnConnect:       true,
		RecoveryConcurrency: DefaultRecoveryConcurrency,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadSkewTolerance <= 0 {
		c.ReadSkewTolerance = d.ReadSkewTolerance
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = d.QueryLimit
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = d.MessageLimit
	}
	if c.MemberLimit <= 0 {
		c.MemberLimit = d.MemberLimit
	}
	if c.OutboxRetryLimit <= 0 {
		c.OutboxRetryLimit = d.OutboxRetryLimit
	}
	if c.OutboxFlushInterval <= 0 {
		c.OutboxFlushInterval = d.OutboxFlushInterval
	}
	if c.RecoveryConcurrency <= 0 {
		c.RecoveryConcurrency = d.RecoveryConcurrency
	}
	return c
}
