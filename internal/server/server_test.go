package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/database"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	"github.com/cardtrader/cardtrader-api/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	t      *testing.T
	app    *App
	router *gin.Engine
}

func newHarness(t *testing.T, policy config.Policy) *harness {
	t.Helper()

	cfg := &config.Config{
		JWTSecret: "test-secret",
		JWTExpiry: time.Hour,
		Policy:    policy,
	}
	app := NewApp(database.NewTestDB(t), cfg, clock.NewSystem())

	return &harness{
		t:      t,
		app:    app,
		router: NewRouter(app, middleware.Limits{}),
	}
}

func (h *harness) do(method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// data decodes the envelope and returns its data object
func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	require.True(t, envelope.Success, rec.Body.String())
	return envelope.Data
}

func (h *harness) login(email, password string) (id, token string) {
	h.t.Helper()

	rec := h.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	d := data(h.t, rec)
	return d["user"].(map[string]interface{})["id"].(string), d["jwt_token"].(string)
}

func (h *harness) signup(name, email, role string) (id, token string) {
	h.t.Helper()

	rec := h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "secret1", "role": role,
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return h.login(email, "secret1")
}

func (h *harness) adminToken() string {
	h.t.Helper()

	require.NoError(h.t, h.app.Users.SeedAdmin(context.Background(), "admin@example.com", "admin-pass"))
	_, token := h.login("admin@example.com", "admin-pass")
	return token
}

// publish creates a listing as the seller and has it approved
func (h *harness) publish(sellerToken, adminToken string, body map[string]interface{}) string {
	h.t.Helper()

	rec := h.do(http.MethodPost, "/api/v1/listings", sellerToken, body)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	listing := data(h.t, rec)
	assert.Equal(h.t, "pending", listing["status"])
	id := listing["id"].(string)

	rec = h.do(http.MethodPatch, "/api/v1/admin/listings/"+id+"/status", adminToken, map[string]string{"status": "approved"})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	return id
}

func orderID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return data(t, rec)["order"].(map[string]interface{})["id"].(string)
}

func TestContactDisclosure(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	admin := h.adminToken()
	_, seller := h.signup("Seller", "seller@example.com", "seller")
	_, buyer := h.signup("Buyer", "buyer@example.com", "client")
	_, stranger := h.signup("Stranger", "stranger@example.com", "client")

	withContact := h.publish(seller, admin, map[string]interface{}{
		"name": "Charizard", "price": 15000, "condition": "near mint", "contact_whatsapp": "+56911111111",
	})
	withoutContact := h.publish(seller, admin, map[string]interface{}{
		"name": "Blastoise", "price": "9000.50", "condition": "Mint",
	})

	// Browsing never leaks the contact, not even as null
	rec := h.do(http.MethodGet, "/api/v1/listings", stranger, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := data(t, rec)["items"].([]interface{})
	require.Len(t, items, 2)
	for _, item := range items {
		assert.NotContains(t, item.(map[string]interface{}), "contact_whatsapp")
	}
	assert.NotContains(t, rec.Body.String(), "+56911111111")

	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": withContact, "type": "reservation"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := orderID(t, rec)

	rec = h.do(http.MethodPatch, "/api/v1/orders/"+id+"/status", seller, map[string]string{"status": "reserved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/orders/"+id, buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := data(t, rec)["order"].(map[string]interface{})["listing"].(map[string]interface{})
	assert.Equal(t, "+56911111111", listing["contact_whatsapp"])

	for name, token := range map[string]string{"buyer": buyer, "admin": admin, "seller": seller} {
		rec = h.do(http.MethodGet, "/api/v1/listings/"+withContact+"/contact", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, name)
		assert.Equal(t, "+56911111111", data(t, rec)["contact_whatsapp"], name)
	}

	rec = h.do(http.MethodGet, "/api/v1/listings/"+withContact+"/contact", stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "+56911111111")

	rec = h.do(http.MethodGet, "/api/v1/listings/"+withContact+"/contact", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/orders/"+id, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Held listings are hidden from everyone but the owner and admins
	rec = h.do(http.MethodGet, "/api/v1/listings/"+withContact, stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/listings/"+withContact, seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+56911111111", data(t, rec)["contact_whatsapp"])

	// Allowed but nothing configured anywhere
	rec = h.do(http.MethodGet, "/api/v1/listings/"+withoutContact+"/contact", seller, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Falls back to the profile once the seller adds one
	rec = h.do(http.MethodPatch, "/api/v1/me", seller, map[string]string{"contact_whatsapp": "+56922222222"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodGet, "/api/v1/listings/"+withoutContact+"/contact", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+56922222222", data(t, rec)["contact_whatsapp"])
}

func TestOrderErrorsOverHTTP(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.WeeklyOrderCap = 2
	h := newHarness(t, policy)
	admin := h.adminToken()
	_, seller := h.signup("Seller", "seller@example.com", "seller")
	_, buyer := h.signup("Buyer", "buyer@example.com", "client")
	_, rival := h.signup("Rival", "rival@example.com", "client")

	first := h.publish(seller, admin, map[string]interface{}{"name": "Pikachu", "price": 500, "condition": "Mint"})
	second := h.publish(seller, admin, map[string]interface{}{"name": "Mewtwo", "price": 800, "condition": "Mint"})

	rec := h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": first, "type": "reservation"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reservation := orderID(t, rec)

	rec = h.do(http.MethodPost, "/api/v1/orders", rival, map[string]string{"listing_id": first, "type": "reservation"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/orders", seller, map[string]string{"listing_id": second, "type": "reservation"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/orders/"+reservation+"/status", buyer, map[string]string{"status": "paid"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/orders/"+reservation+"/status", seller, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/orders/nope/status", seller, map[string]string{"status": "paid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Idempotent retry returns the original order with 200
	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": second}, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := orderID(t, rec)

	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": second}, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, purchase, orderID(t, rec))

	// Weekly cap reached
	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": second})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/orders?type=barter", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/orders", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data(t, rec)["orders"].([]interface{}), 2)

	// Buyer cancels their own reservation and the listing is back on sale
	rec = h.do(http.MethodPatch, "/api/v1/orders/"+reservation+"/status", buyer, map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodGet, "/api/v1/listings/"+first, rival, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data(t, rec)["is_active"])
}

func TestListingManagementOverHTTP(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	admin := h.adminToken()
	_, seller := h.signup("Seller", "seller@example.com", "seller")
	_, other := h.signup("Other", "other@example.com", "seller")
	_, buyer := h.signup("Buyer", "buyer@example.com", "client")

	rec := h.do(http.MethodPost, "/api/v1/listings", buyer, map[string]interface{}{"name": "X", "price": 1, "condition": "Mint"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/listings", seller, map[string]interface{}{"name": "X", "condition": "Mint"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/listings", seller, map[string]interface{}{"name": "X", "price": 1, "condition": "Pristine"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/listings", seller, map[string]interface{}{"name": "Gengar", "price": 1200, "condition": "Light Played"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := data(t, rec)["id"].(string)

	// Pending listings are not browsable and only the owner sees the detail
	rec = h.do(http.MethodGet, "/api/v1/listings/"+id, buyer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/listings/mine", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data(t, rec)["listings"].([]interface{}), 1)

	rec = h.do(http.MethodPatch, "/api/v1/admin/listings/"+id+"/status", admin, map[string]string{"status": "rejected"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPatch, "/api/v1/admin/listings/"+id+"/status", admin, map[string]string{"status": "rejected", "rejection_reason": "blurry photo"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "blurry photo", data(t, rec)["rejection_reason"])

	rec = h.do(http.MethodPatch, "/api/v1/admin/listings/"+id+"/status", seller, map[string]string{"status": "approved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPatch, "/api/v1/admin/listings/"+id+"/status", admin, map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPut, "/api/v1/listings/"+id, other, map[string]interface{}{"price": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPut, "/api/v1/listings/"+id, seller, map[string]interface{}{"price": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPut, "/api/v1/listings/"+id, seller, map[string]interface{}{"price": 999, "is_active": false, "reserved_by": "someone"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := data(t, rec)
	assert.Equal(t, true, updated["is_active"], "hold fields are not user-editable")
	assert.Nil(t, updated["reserved_by"])

	rec = h.do(http.MethodGet, "/api/v1/listings/featured", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, data(t, rec)["listing"].(map[string]interface{})["id"])

	rec = h.do(http.MethodPost, "/api/v1/orders", buyer, map[string]string{"listing_id": id})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/listings/"+id, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodDelete, "/api/v1/admin/listings/"+id, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/orders", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, data(t, rec)["orders"])

	rec = h.do(http.MethodGet, "/api/v1/cards/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUsersOverHTTP(t *testing.T) {
	h := newHarness(t, config.DefaultPolicy())
	admin := h.adminToken()
	userID, client := h.signup("Client", "client@example.com", "client")

	rec := h.do(http.MethodGet, "/api/v1/admin/users", client, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/admin/users", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, data(t, rec)["users"].([]interface{}), 2)

	rec = h.do(http.MethodPatch, "/api/v1/admin/users/"+userID, admin, map[string]interface{}{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "client@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/admin/users/"+userID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/admin/users/"+userID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{"name": "Dup", "email": "admin@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
