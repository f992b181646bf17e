// Package pool implements the account pool: per-account health tracking,
// quota-aware selection, session affinity and conversation locking.
package pool

import "time"

// QuotaType identifies one independently rate-limited upstream capability.
type QuotaType int

const (
	// QuotaText is ordinary text generation.
	QuotaText QuotaType = iota
	// QuotaImages is image generation.
	QuotaImages
	// QuotaVideos is video generation.
	QuotaVideos

	quotaTypeCount
)

// String returns the wire/log name of the quota type.
func (q QuotaType) String() string {
	switch q {
	case QuotaText:
		return "text"
	case QuotaImages:
		return "images"
	case QuotaVideos:
		return "videos"
	default:
		return "unknown"
	}
}

// AllQuotaTypes lists every quota type in declaration order.
func AllQuotaTypes() []QuotaType {
	return []QuotaType{QuotaText, QuotaImages, QuotaVideos}
}

// RetryPolicy holds the hot-swappable retry and cooldown configuration.
// Accounts read it through an atomic pointer, so a policy update is always
// observed whole, never half-applied.
type RetryPolicy struct {
	// FailureThreshold is the number of consecutive non-quota failures
	// after which an account is taken out of rotation until re-enabled.
	FailureThreshold int

	// Per-quota cooldown applied after a 429 for that quota type.
	TextCooldown   time.Duration
	ImagesCooldown time.Duration
	VideosCooldown time.Duration

	// MaxNewSessionTries bounds how many accounts are tried while opening
	// the first session of a conversation.
	MaxNewSessionTries int
	// MaxRequestRetries bounds mid-request failovers.
	MaxRequestRetries int
	// MaxAccountSwitchTries bounds candidate lookups per failover.
	MaxAccountSwitchTries int
}

// DefaultRetryPolicy mirrors the stock configuration.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		FailureThreshold:      3,
		TextCooldown:          2 * time.Hour,
		ImagesCooldown:        4 * time.Hour,
		VideosCooldown:        4 * time.Hour,
		MaxNewSessionTries:    5,
		MaxRequestRetries:     3,
		MaxAccountSwitchTries: 5,
	}
}

// Cooldown returns the configured cooldown window for a quota type.
func (p *RetryPolicy) Cooldown(q QuotaType) time.Duration {
	switch q {
	case QuotaImages:
		return p.ImagesCooldown
	case QuotaVideos:
		return p.VideosCooldown
	default:
		return p.TextCooldown
	}
}
