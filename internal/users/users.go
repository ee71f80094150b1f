package users

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/auth"
	"github.com/cardtrader/cardtrader-api/internal/types"
	apperrors "github.com/cardtrader/cardtrader-api/pkg/errors"
	"github.com/cardtrader/cardtrader-api/pkg/pagination"
	"github.com/cardtrader/cardtrader-api/pkg/response"
)

// Service manages marketplace accounts and credentials
type Service struct {
	db   *Database
	auth *auth.Service
}

func NewService(gormDB *gorm.DB, authService *auth.Service) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		auth: authService,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeContact(contact *string) *string {
	if contact == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*contact)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Register creates a client or seller account. Any other role falls back
// to client; admins are created by SeedAdmin or promoted by another admin.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if req.Role != types.RoleSeller {
		req.Role = types.RoleClient
	}
	return s.create(ctx, req)
}

func (s *Service) create(ctx context.Context, req RegisterRequest) (*User, error) {
	email := normalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.Validation("name and email are required")
	}
	if len(req.Password) < 6 {
		return nil, apperrors.Validation("password must be at least 6 characters")
	}

	role := req.Role
	if !types.ValidRole(role) {
		role = types.RoleClient
	}

	existing, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, apperrors.Internal("failed to look up user", err)
	}
	if existing != nil {
		return nil, apperrors.Conflict("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}

	user := &User{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(req.Name),
		Email:           email,
		PasswordHash:    string(hash),
		Role:            role,
		ContactWhatsapp: normalizeContact(req.ContactWhatsapp),
		IsActive:        true,
	}

	if err := s.db.CreateUser(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.Conflict("email already registered")
		}
		return nil, apperrors.Internal("failed to create user", err)
	}

	log.Info().
		Str("component", "users").
		Str("user_id", user.ID).
		Str("role", user.Role).
		Msg("user registered")

	return user, nil
}

// Authenticate checks credentials and returns the account
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, apperrors.Internal("failed to look up user", err)
	}
	if user == nil {
		return nil, apperrors.Unauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.Unauthorized("invalid credentials")
	}
	if !user.IsActive {
		return nil, apperrors.Forbidden("account is disabled")
	}
	return user, nil
}

// Login authenticates and issues an access token
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}

	token, err := s.auth.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, apperrors.Internal("failed to issue token", err)
	}

	return &LoginResponse{
		Token:      token.Token,
		Expiration: token.Expiration,
		User:       user,
	}, nil
}

// FindUser returns the account or NotFound
func (s *Service) FindUser(ctx context.Context, id string) (*User, error) {
	user, err := s.db.GetUser(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("failed to load user", err)
	}
	if user == nil {
		return nil, apperrors.NotFound("user")
	}
	return user, nil
}

// ContactFor returns the profile-level contact of a user, nil when unset
func (s *Service) ContactFor(ctx context.Context, userID string) (*string, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Internal("failed to load user", err)
	}
	if user == nil {
		return nil, nil
	}
	return user.ContactWhatsapp, nil
}

func (s *Service) ListUsers(ctx context.Context, role string, params pagination.Params) ([]User, pagination.Meta, error) {
	users, total, err := s.db.ListUsers(ctx, role, params.Offset, params.PageSize)
	if err != nil {
		return nil, pagination.Meta{}, apperrors.Internal("failed to list users", err)
	}
	return users, params.NewMeta(total), nil
}

// UpdateUser applies the admin-editable fields
func (s *Service) UpdateUser(ctx context.Context, id string, req UpdateRequest) (*User, error) {
	if _, err := s.FindUser(ctx, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperrors.Validation("name cannot be empty")
		}
		updates["name"] = name
	}
	if req.Role != nil {
		if !types.ValidRole(*req.Role) {
			return nil, apperrors.Validation("invalid role")
		}
		updates["role"] = *req.Role
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.SubscriptionActive != nil {
		updates["subscription_active"] = *req.SubscriptionActive
	}
	if req.ContactWhatsapp != nil {
		updates["contact_whatsapp"] = normalizeContact(req.ContactWhatsapp)
	}

	if len(updates) > 0 {
		if err := s.db.UpdateUser(ctx, id, updates); err != nil {
			return nil, apperrors.Internal("failed to update user", err)
		}
	}
	return s.FindUser(ctx, id)
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	deleted, err := s.db.DeleteUser(ctx, id)
	if err != nil {
		return apperrors.Internal("failed to delete user", err)
	}
	if !deleted {
		return apperrors.NotFound("user")
	}
	return nil
}

// UpdateProfile lets a user change their own name and contact
func (s *Service) UpdateProfile(ctx context.Context, id string, req ProfileRequest) (*User, error) {
	if req.Name == nil && req.ContactWhatsapp == nil {
		return nil, apperrors.Validation("no changes supplied")
	}
	return s.UpdateUser(ctx, id, UpdateRequest{
		Name:            req.Name,
		ContactWhatsapp: req.ContactWhatsapp,
	})
}

// SeedAdmin makes sure an admin account exists for email. An existing
// account with that email is left untouched.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	existing, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return apperrors.Internal("failed to look up admin", err)
	}
	if existing != nil {
		return nil
	}

	_, err = s.create(ctx, RegisterRequest{
		Name:     "Administrator",
		Email:    email,
		Password: password,
		Role:     types.RoleAdmin,
	})
	return err
}

// GinHandlers contains HTTP handlers for auth and user management endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// RegisterHandler handles POST /auth/register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.Register(c.Request.Context(), req)
		response.Handle(c, user, err)
	}
}

// LoginHandler handles POST /auth/login
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		resp, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, resp)
	}
}

// ProfileHandler handles GET /me
func (h *GinHandlers) ProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.service.FindUser(c.Request.Context(), auth.GetPrincipal(c).UserID)
		response.Handle(c, user, err)
	}
}

// UpdateProfileHandler handles PATCH /me
func (h *GinHandlers) UpdateProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.UpdateProfile(c.Request.Context(), auth.GetPrincipal(c).UserID, req)
		response.Handle(c, user, err)
	}
}

// ListUsersHandler handles GET /admin/users
func (h *GinHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		params := pagination.FromQuery(c, 50, 200)

		users, meta, err := h.service.ListUsers(c.Request.Context(), c.Query("role"), params)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"users": users, "pagination": meta})
	}
}

func (h *GinHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.service.FindUser(c.Request.Context(), c.Param("id"))
		response.Handle(c, user, err)
	}
}

// UpdateUserHandler handles PATCH /admin/users/:id
func (h *GinHandlers) UpdateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.UpdateUser(c.Request.Context(), c.Param("id"), req)
		response.Handle(c, user, err)
	}
}

func (h *GinHandlers) DeleteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, gin.H{"deleted": true})
	}
}
