package telegraph

import (
	"testing"
	"time"
)

func TestNextCronDuration_ValidExpression(t *testing.T) {
	// "0 9 * * *" = daily at 09:00. Duration should be positive and < 24h.
	d := nextCronDuration("0 9 * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 24*time.Hour {
		t.Fatalf("expected duration < 24h, got %v", d)
	}
}

func TestNextCronDuration_InvalidExpression(t *testing.T) {
	d := nextCronDuration("not a cron expr")
	if d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}

func TestNextCronDuration_EveryFiveMinutes(t *testing.T) {
	d := nextCronDuration("*/5 * * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 5*time.Minute+time.Second {
		t.Fatalf("expected duration <= 5m, got %v", d)
	}
}

func TestSweep_ExpiresStaleAttempts(t *testing.T) {
	f := newDaemonFixture(t)
	store := f.daemon.store
	now := time.Now()

	stale, _ := store.Load("telegram", "1")
	old := now.Add(-2 * time.Hour)
	stale.OAuthFlowState, stale.OAuthVerifier, stale.OAuthStartedAt = "s-old", "v-old", &old
	stale.LinkStep = "token"
	store.Save(stale)

	fresh, _ := store.Load("telegram", "2")
	recent := now.Add(-time.Minute)
	fresh.OAuthFlowState, fresh.OAuthVerifier, fresh.OAuthStartedAt = "s-new", "v-new", &recent
	fresh.LinkStep = "token"
	store.Save(fresh)

	if n := f.daemon.sweep(now); n != 1 {
		t.Fatalf("sweep expired %d, want 1", n)
	}

	got, _ := store.Load("telegram", "1")
	if got.OAuthFlowState != "" || got.OAuthVerifier != "" || got.LinkStep != "" {
		t.Errorf("stale attempt not cleared: %+v", got)
	}
	got, _ = store.Load("telegram", "2")
	if got.OAuthFlowState != "s-new" {
		t.Errorf("fresh attempt cleared: %+v", got)
	}
}
