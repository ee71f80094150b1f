// Package server wires the marketplace services into the HTTP API.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cardtrader/cardtrader-api/internal/auth"
	"github.com/cardtrader/cardtrader-api/internal/catalog"
	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/contact"
	"github.com/cardtrader/cardtrader-api/internal/listings"
	"github.com/cardtrader/cardtrader-api/internal/orders"
	"github.com/cardtrader/cardtrader-api/internal/types"
	"github.com/cardtrader/cardtrader-api/internal/users"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	"github.com/cardtrader/cardtrader-api/pkg/middleware"
)

// App holds the services behind the API
type App struct {
	Auth     *auth.Service
	Users    *users.Service
	Catalog  *catalog.Service
	Orders   *orders.Service
	Listings *listings.Service
	Gate     *contact.Gate
}

// NewApp builds every service on top of db
func NewApp(db *gorm.DB, cfg *config.Config, clk clock.Clock) *App {
	authService := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	userService := users.NewService(db, authService)
	catalogService := catalog.NewService(db)

	orderService := orders.NewService(db,
		orders.WithClock(clk),
		orders.WithPolicy(cfg.Policy),
	)

	gate := contact.NewGate(orderService.Store(), userService)

	listingService := listings.NewService(db, gate, catalogService,
		listings.WithDependents(orderService.Store()),
		listings.WithSweeper(orderService.Sweeper()),
		listings.WithProfiles(userService),
	)

	return &App{
		Auth:     authService,
		Users:    userService,
		Catalog:  catalogService,
		Orders:   orderService,
		Listings: listingService,
		Gate:     gate,
	}
}

// NewRouter registers every route under /api/v1
func NewRouter(app *App, limits middleware.Limits) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	userHandlers := users.NewGinHandlers(app.Users)
	catalogHandlers := catalog.NewGinHandlers(app.Catalog)
	listingHandlers := listings.NewGinHandlers(app.Listings)
	orderHandlers := orders.NewGinHandlers(app.Orders, app.Listings, app.Catalog)

	requireAuth := middleware.JWTAuth(app.Auth)
	optionalAuth := middleware.OptionalAuth(app.Auth)
	sellerOnly := middleware.RequireRole(types.RoleSeller)
	rateLimit := middleware.NewRateLimiter(limits).Handler()

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
		})

		authRoutes := v1.Group("/auth")
		authRoutes.Use(rateLimit)
		{
			authRoutes.POST("/register", userHandlers.RegisterHandler())
			authRoutes.POST("/login", userHandlers.LoginHandler())
		}

		v1.GET("/me", requireAuth, userHandlers.ProfileHandler())
		v1.PATCH("/me", requireAuth, userHandlers.UpdateProfileHandler())

		v1.GET("/cards/:id", catalogHandlers.GetCardHandler())

		listingRoutes := v1.Group("/listings")
		listingRoutes.Use(optionalAuth, rateLimit)
		{
			listingRoutes.GET("", listingHandlers.BrowseHandler())
			listingRoutes.GET("/featured", listingHandlers.FeaturedHandler())
			listingRoutes.GET("/mine", requireAuth, sellerOnly, listingHandlers.MineHandler())
			listingRoutes.GET("/:id", listingHandlers.DetailHandler())
			listingRoutes.GET("/:id/contact", requireAuth, listingHandlers.ContactHandler())
			listingRoutes.POST("", requireAuth, sellerOnly, listingHandlers.CreateHandler())
			listingRoutes.PUT("/:id", requireAuth, sellerOnly, listingHandlers.UpdateHandler())
			listingRoutes.DELETE("/:id", requireAuth, sellerOnly, listingHandlers.DeleteHandler())
		}

		orderRoutes := v1.Group("/orders")
		orderRoutes.Use(requireAuth, rateLimit)
		{
			orderRoutes.POST("", orderHandlers.CreateOrderHandler())
			orderRoutes.GET("", orderHandlers.ListOrdersHandler())
			orderRoutes.GET("/:id", orderHandlers.GetOrderHandler())
			orderRoutes.PATCH("/:id/status", orderHandlers.UpdateStatusHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(requireAuth, middleware.RequireAdmin())
		{
			admin.GET("/users", userHandlers.ListUsersHandler())
			admin.GET("/users/:id", userHandlers.GetUserHandler())
			admin.PATCH("/users/:id", userHandlers.UpdateUserHandler())
			admin.DELETE("/users/:id", userHandlers.DeleteUserHandler())

			admin.GET("/listings", listingHandlers.ModerationHandler())
			admin.PATCH("/listings/:id/status", listingHandlers.SetStatusHandler())
			admin.DELETE("/listings/:id", listingHandlers.DeleteHandler())
		}
	}

	return router
}
