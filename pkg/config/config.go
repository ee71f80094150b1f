package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Policy groups the order lifecycle knobs that differed between historical
// versions of the marketplace
type Policy struct {
	// WeeklyOrderCap is the number of non-cancelled orders a buyer may create
	// inside RateLimitWindow
	WeeklyOrderCap  int
	RateLimitWindow time.Duration

	// ReservationWindow is how long an approved reservation holds a listing
	// before the sweeper cancels it
	ReservationWindow time.Duration

	// ReservationRequiresSellerApproval makes new reservations start as
	// pending until the seller approves them. When false they start reserved.
	ReservationRequiresSellerApproval bool

	// HoldMakesListingInactiveImmediately flips isActive to false as soon as a
	// reservation is created instead of waiting for approval
	HoldMakesListingInactiveImmediately bool

	// PendingReservationTTL cancels reservation requests left pending for
	// longer than this. Zero disables it.
	PendingReservationTTL time.Duration
}

// DefaultPolicy returns the policy the marketplace runs with unless overridden
func DefaultPolicy() Policy {
	return Policy{
		WeeklyOrderCap:                      7,
		RateLimitWindow:                     7 * 24 * time.Hour,
		ReservationWindow:                   24 * time.Hour,
		ReservationRequiresSellerApproval:   true,
		HoldMakesListingInactiveImmediately: true,
	}
}

type Config struct {
	Port          string
	Environment   string
	Debug         bool
	DatabasePath  string
	JWTSecret     string
	JWTExpiry     time.Duration
	SweepInterval time.Duration
	AdminEmail    string
	AdminPassword string
	Policy        Policy
}

// Load reads configuration from the environment, after loading a .env file
// when one is present
func Load() *Config {
	_ = godotenv.Load()

	defaults := DefaultPolicy()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Environment:   getEnv("ENV", "development"),
		Debug:         getEnvAsBool("DEBUG", false),
		DatabasePath:  getEnv("DATABASE_PATH", "cardtrader.db"),
		JWTSecret:     getEnv("JWT_SECRET", "cardtrader-secret-key"),
		JWTExpiry:     time.Duration(getEnvAsInt("JWT_EXPIRY_HOURS", 1)) * time.Hour,
		SweepInterval: time.Duration(getEnvAsInt("SWEEP_INTERVAL_SECONDS", 0)) * time.Second,
		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		Policy: Policy{
			WeeklyOrderCap:                      getEnvAsInt("WEEKLY_ORDER_CAP", defaults.WeeklyOrderCap),
			RateLimitWindow:                     defaults.RateLimitWindow,
			ReservationWindow:                   time.Duration(getEnvAsInt("RESERVATION_WINDOW_HOURS", 24)) * time.Hour,
			ReservationRequiresSellerApproval:   getEnvAsBool("RESERVATION_REQUIRES_SELLER_APPROVAL", defaults.ReservationRequiresSellerApproval),
			HoldMakesListingInactiveImmediately: getEnvAsBool("HOLD_MAKES_LISTING_INACTIVE", defaults.HoldMakesListingInactiveImmediately),
			PendingReservationTTL:               time.Duration(getEnvAsInt("PENDING_RESERVATION_TTL_HOURS", 0)) * time.Hour,
		},
	}
}

// IsProduction reports whether the service runs with production settings
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}
