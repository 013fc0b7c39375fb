package sessions

import (
	"testing"
	"time"

	"github.com/fenwick-ai/soul/pkg/models"
)

func TestRetentionChecker_IsExpired(t *testing.T) {
	fixedNow := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		retentionDays int
		updatedAt     time.Time
		createdAt     time.Time
		want          bool
	}{
		{
			name:          "fresh session not expired",
			retentionDays: 30,
			updatedAt:     fixedNow.Add(-time.Hour),
			want:          false,
		},
		{
			name:          "session older than retention expired",
			retentionDays: 30,
			updatedAt:     fixedNow.AddDate(0, 0, -31),
			want:          true,
		},
		{
			name:          "session exactly at boundary not expired",
			retentionDays: 30,
			updatedAt:     fixedNow.AddDate(0, 0, -30),
			want:          false,
		},
		{
			name:          "zero retention disables pruning",
			retentionDays: 0,
			updatedAt:     fixedNow.AddDate(-1, 0, 0),
			want:          false,
		},
		{
			name:          "falls back to CreatedAt when UpdatedAt is zero",
			retentionDays: 30,
			createdAt:     fixedNow.AddDate(0, 0, -45),
			want:          true,
		},
		{
			name:          "no timestamps at all is never expired",
			retentionDays: 30,
			want:          false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewRetentionChecker(tt.retentionDays)
			checker.SetNowFunc(func() time.Time { return fixedNow })

			session := &models.Session{UpdatedAt: tt.updatedAt, CreatedAt: tt.createdAt}
			got := checker.IsExpired(session)
			if got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetentionChecker_IsExpired_NilSession(t *testing.T) {
	checker := NewRetentionChecker(30)
	if checker.IsExpired(nil) {
		t.Error("expected nil session to never be expired")
	}
}

func TestRetentionChecker_ExpiredSessions(t *testing.T) {
	fixedNow := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	checker := NewRetentionChecker(30)
	checker.SetNowFunc(func() time.Time { return fixedNow })

	sessions := []*models.SessionMeta{
		{ID: "fresh", UpdatedAt: fixedNow.Add(-time.Hour)},
		{ID: "stale-1", UpdatedAt: fixedNow.AddDate(0, 0, -31)},
		{ID: "stale-2", UpdatedAt: fixedNow.AddDate(0, 0, -90)},
	}

	expired := checker.ExpiredSessions(sessions)
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", len(expired))
	}
	for _, meta := range expired {
		if meta.ID == "fresh" {
			t.Error("fresh session should not be in expired list")
		}
	}
}

func TestRetentionChecker_ExpiredSessions_Disabled(t *testing.T) {
	checker := NewRetentionChecker(0)
	sessions := []*models.SessionMeta{
		{ID: "old", UpdatedAt: time.Now().AddDate(-1, 0, 0)},
	}
	if got := checker.ExpiredSessions(sessions); got != nil {
		t.Errorf("expected nil when retention disabled, got %v", got)
	}
}
