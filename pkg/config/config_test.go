package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEEKLY_ORDER_CAP", "")
	t.Setenv("RESERVATION_REQUIRES_SELLER_APPROVAL", "")

	cfg := Load()

	assert.Equal(t, 7, cfg.Policy.WeeklyOrderCap)
	assert.Equal(t, 24*time.Hour, cfg.Policy.ReservationWindow)
	assert.True(t, cfg.Policy.ReservationRequiresSellerApproval)
	assert.True(t, cfg.Policy.HoldMakesListingInactiveImmediately)
	assert.Zero(t, cfg.Policy.PendingReservationTTL)
}

func TestLoadPolicyOverrides(t *testing.T) {
	t.Setenv("WEEKLY_ORDER_CAP", "2")
	t.Setenv("RESERVATION_WINDOW_HOURS", "48")
	t.Setenv("RESERVATION_REQUIRES_SELLER_APPROVAL", "false")
	t.Setenv("HOLD_MAKES_LISTING_INACTIVE", "false")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "30")
	t.Setenv("ENV", "production")

	cfg := Load()

	assert.Equal(t, 2, cfg.Policy.WeeklyOrderCap)
	assert.Equal(t, 48*time.Hour, cfg.Policy.ReservationWindow)
	assert.False(t, cfg.Policy.ReservationRequiresSellerApproval)
	assert.False(t, cfg.Policy.HoldMakesListingInactiveImmediately)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.IsProduction())
}
