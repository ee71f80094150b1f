package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/database"
	"github.com/cardtrader/cardtrader-api/internal/server"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	"github.com/cardtrader/cardtrader-api/pkg/middleware"
)

const (
	minListings   = 5
	maxListings   = 25
	numBuyers     = 8
	serverAddress = "http://localhost:8089"
	adminEmail    = "admin@simulation.local"
	adminPassword = "simulation-admin"
)

var (
	cardNames  = []string{"Charizard", "Blastoise", "Venusaur", "Pikachu", "Mewtwo", "Gengar"}
	conditions = []string{"Mint", "Near Mint", "Light Played"}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks latency for one API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient talks to the marketplace API and records per-route latency
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Auth"},
			"listing":  {name: "Create Listing"},
			"moderate": {name: "Moderate Listing"},
			"reserve":  {name: "Reserve"},
			"status":   {name: "Order Status"},
			"contact":  {name: "Contact"},
		},
	}
}

// call performs a JSON request and decodes the envelope. Non-2xx responses
// are returned with their status so callers can tell conflicts from failures.
func (sc *simulationClient) call(route, method, path, token string, body interface{}, headers map[string]string) (int, json.RawMessage, error) {
	start := time.Now()
	status := 0
	defer func() {
		sc.stats[route].record(time.Since(start), status == 0 || status >= 500)
	}()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return status, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return status, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(raw))
	}
	if !env.Success {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Code + ": " + env.Error.Message
		}
		return status, nil, fmt.Errorf("%s %s failed with status %d: %s", method, path, status, msg)
	}
	return status, env.Data, nil
}

func (sc *simulationClient) login(email, password string) (string, error) {
	_, data, err := sc.call("auth", http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, nil)
	if err != nil {
		return "", err
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) signup(name, role string) (string, error) {
	email := fmt.Sprintf("%s-%s@simulation.local", strings.ToLower(name), uuid.New().String()[:8])
	_, _, err := sc.call("auth", http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "simulation", "role": role,
	}, nil)
	if err != nil {
		return "", err
	}
	return sc.login(email, "simulation")
}

func (sc *simulationClient) createListing(token string) (string, error) {
	_, data, err := sc.call("listing", http.MethodPost, "/api/v1/listings", token, map[string]interface{}{
		"name":             cardNames[rand.Intn(len(cardNames))],
		"price":            rand.Intn(50000) + 100,
		"condition":        conditions[rand.Intn(len(conditions))],
		"contact_whatsapp": fmt.Sprintf("+569%08d", rand.Intn(100000000)),
	}, nil)
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (sc *simulationClient) approve(adminToken, listingID string) error {
	_, _, err := sc.call("moderate", http.MethodPatch, "/api/v1/admin/listings/"+listingID+"/status", adminToken,
		map[string]string{"status": "approved"}, nil)
	return err
}

// reserve returns the order id, or "" when another buyer got there first
func (sc *simulationClient) reserve(token, listingID string) (string, error) {
	status, data, err := sc.call("reserve", http.MethodPost, "/api/v1/orders", token,
		map[string]string{"listing_id": listingID, "type": "reservation"},
		map[string]string{"Idempotency-Key": uuid.New().String()})
	if status == http.StatusConflict {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var result struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.Order.ID, nil
}

func (sc *simulationClient) setStatus(token, orderID, status string) error {
	_, _, err := sc.call("status", http.MethodPatch, "/api/v1/orders/"+orderID+"/status", token,
		map[string]string{"status": status}, nil)
	return err
}

func (sc *simulationClient) contact(token, listingID string) (int, error) {
	status, _, err := sc.call("contact", http.MethodGet, "/api/v1/listings/"+listingID+"/contact", token, nil, nil)
	return status, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main races buyers for every listing and checks that each listing ends up
// with exactly one reservation
func main() {
	dir, err := os.MkdirTemp("", "cardtrader-simulation")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	targetListings := rand.Intn(maxListings-minListings) + minListings

	go func() {
		if err := startServer(filepath.Join(dir, "simulation.db"), targetListings); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	time.Sleep(2 * time.Second)

	sc := newSimulationClient()

	adminToken, err := sc.login(adminEmail, adminPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to log in as admin")
	}
	sellerToken, err := sc.signup("Seller", "seller")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register seller")
	}

	buyerTokens := make([]string, numBuyers)
	for i := range buyerTokens {
		if buyerTokens[i], err = sc.signup(fmt.Sprintf("Buyer%d", i), "client"); err != nil {
			log.Fatal().Err(err).Msg("Failed to register buyer")
		}
	}

	log.Info().Int("listings", targetListings).Int("buyers", numBuyers).Msg("Starting simulation")

	var listingIDs []string
	for i := 0; i < targetListings; i++ {
		id, err := sc.createListing(sellerToken)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create listing")
			continue
		}
		if err := sc.approve(adminToken, id); err != nil {
			log.Error().Err(err).Str("listing_id", id).Msg("Failed to approve listing")
			continue
		}
		listingIDs = append(listingIDs, id)
	}

	stats := struct {
		Listings     int
		Attempts     int
		Reserved     int
		Conflicts    int
		Errors       int
		DoubleBooked int
		Paid         int
		Cancelled    int
		ContactOK    int
		ContactDeny  int
		StartTime    time.Time
	}{
		Listings:  len(listingIDs),
		StartTime: time.Now(),
	}

	type race struct {
		listingID string
		orderID   string
		winner    int
	}
	var races []race

	for _, listingID := range listingIDs {
		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			winners []race
		)

		for i, token := range buyerTokens {
			wg.Add(1)
			go func(buyer int, token string) {
				defer wg.Done()
				orderID, err := sc.reserve(token, listingID)

				mu.Lock()
				defer mu.Unlock()
				stats.Attempts++
				switch {
				case err != nil:
					stats.Errors++
					log.Error().Err(err).Str("listing_id", listingID).Msg("Reservation failed")
				case orderID == "":
					stats.Conflicts++
				default:
					winners = append(winners, race{listingID: listingID, orderID: orderID, winner: buyer})
				}
			}(i, token)
		}
		wg.Wait()

		if len(winners) > 1 {
			stats.DoubleBooked++
			log.Error().Str("listing_id", listingID).Int("winners", len(winners)).Msg("Listing reserved more than once")
		}
		if len(winners) > 0 {
			stats.Reserved++
			races = append(races, winners[0])
		}
	}

	for _, r := range races {
		if err := sc.setStatus(sellerToken, r.orderID, "reserved"); err != nil {
			log.Error().Err(err).Str("order_id", r.orderID).Msg("Failed to approve reservation")
			continue
		}

		// Only the winner may read the seller contact
		if status, _ := sc.contact(buyerTokens[r.winner], r.listingID); status == http.StatusOK {
			stats.ContactOK++
		}
		loser := buyerTokens[(r.winner+1)%numBuyers]
		if status, _ := sc.contact(loser, r.listingID); status == http.StatusForbidden {
			stats.ContactDeny++
		}

		next := "paid"
		if rand.Intn(3) == 0 {
			next = "cancelled"
		}
		if err := sc.setStatus(sellerToken, r.orderID, next); err != nil {
			log.Error().Err(err).Str("order_id", r.orderID).Msg("Failed to finish order")
			continue
		}
		if next == "paid" {
			stats.Paid++
		} else {
			stats.Cancelled++
		}
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("RESERVATION RACE SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Listings:         %d
Attempts:         %d
Reserved:         %d
Conflicts:        %d
Errors:           %d
Double booked:    %d
Paid:             %d
Cancelled:        %d
Contact shown:    %d
Contact denied:   %d
Duration:         %v
`, stats.Listings, stats.Attempts, stats.Reserved, stats.Conflicts, stats.Errors,
		stats.DoubleBooked, stats.Paid, stats.Cancelled, stats.ContactOK, stats.ContactDeny,
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	sc.printPerformanceStats()

	event := log.Info()
	if stats.DoubleBooked > 0 || stats.Reserved != stats.Listings {
		event = log.Error()
	}
	event.
		Int("listings", stats.Listings).
		Int("reserved", stats.Reserved).
		Int("double_booked", stats.DoubleBooked).
		Dur("duration", duration).
		Msg("Simulation completed")
}

// startServer runs the API in-process on a throwaway database
func startServer(path string, listings int) error {
	db, err := database.NewDatabase(path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	policy := config.DefaultPolicy()
	policy.WeeklyOrderCap = listings + 1

	cfg := &config.Config{
		JWTSecret: uuid.New().String(),
		JWTExpiry: time.Hour,
		Policy:    policy,
	}
	app := server.NewApp(db, cfg, clock.NewSystem())
	if err := app.Users.SeedAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}

	// Rate limits are off so the race is decided by the order store alone
	router := server.NewRouter(app, middleware.Limits{})
	return router.Run(strings.TrimPrefix(serverAddress, "http://localhost"))
}
