package sessions

import (
	"time"

	"github.com/fenwick-ai/soul/pkg/models"
)

// RetentionChecker decides whether a session is old enough to prune during a
// housekeeping sweep, per SessionsConfig.RetentionDays.
type RetentionChecker struct {
	retentionDays int
	nowFunc       func() time.Time // overridable for testing
}

// NewRetentionChecker creates a checker for the given retention window.
// retentionDays <= 0 disables pruning: IsExpired always returns false.
func NewRetentionChecker(retentionDays int) *RetentionChecker {
	return &RetentionChecker{
		retentionDays: retentionDays,
		nowFunc:       time.Now,
	}
}

// SetNowFunc overrides the time source, for testing.
func (c *RetentionChecker) SetNowFunc(fn func() time.Time) {
	c.nowFunc = fn
}

// IsExpired reports whether session is older than the retention window,
// measured from its last activity (UpdatedAt, falling back to CreatedAt).
func (c *RetentionChecker) IsExpired(session *models.Session) bool {
	if session == nil || c.retentionDays <= 0 {
		return false
	}

	lastActivity := session.UpdatedAt
	if lastActivity.IsZero() {
		lastActivity = session.CreatedAt
	}
	if lastActivity.IsZero() {
		return false
	}

	cutoff := c.nowFunc().AddDate(0, 0, -c.retentionDays)
	return lastActivity.Before(cutoff)
}

// ExpiredSessions filters sessions to those eligible for pruning.
func (c *RetentionChecker) ExpiredSessions(sessions []*models.SessionMeta) []*models.SessionMeta {
	if c.retentionDays <= 0 {
		return nil
	}
	cutoff := c.nowFunc().AddDate(0, 0, -c.retentionDays)
	var out []*models.SessionMeta
	for _, meta := range sessions {
		lastActivity := meta.UpdatedAt
		if lastActivity.IsZero() {
			lastActivity = meta.CreatedAt
		}
		if !lastActivity.IsZero() && lastActivity.Before(cutoff) {
			out = append(out, meta)
		}
	}
	return out
}
