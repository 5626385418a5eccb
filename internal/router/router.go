// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/shubra2641/liceinc-sub010/internal/config"
	"github.com/shubra2641/liceinc-sub010/internal/handlers"
	"github.com/shubra2641/liceinc-sub010/internal/middleware"
	"github.com/shubra2641/liceinc-sub010/internal/services"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

func Initialize(db *gorm.DB, cfg *config.Config) *gin.Engine {
	// Services
	licenseStore := services.NewLicenseStore(db, cfg.License)
	domainLedger := services.NewDomainLedger(db, cfg.License)
	logService := services.NewVerificationLogService(db)
	lockoutGuard := services.NewMemoryLockoutStore(
		cfg.License.MaxAttempts,
		time.Duration(cfg.License.AttemptWindowMinutes)*time.Minute,
		time.Duration(cfg.License.LockoutMinutes)*time.Minute,
	)
	marketplace := services.NewEnvatoClient(cfg.Envato)

	verificationService := services.NewVerificationService(
		licenseStore, domainLedger, logService, lockoutGuard, marketplace, cfg.License)
	authService := services.NewAuthService(db, cfg.JWT)

	// Handlers
	licenseHandler := handlers.NewLicenseHandler(verificationService)
	authHandler := handlers.NewAuthHandler(authService)
	adminHandler := handlers.NewAdminHandler(licenseStore, domainLedger, logService)

	utils.SetJWTSecret(cfg.JWT.SecretKey)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.GeneralRateLimit())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	v1 := r.Group("/v1")
	{
		// Machine-facing verification surface
		license := v1.Group("/license")
		license.Use(middleware.VerifyRateLimit())
		license.Use(middleware.APITokenRequired(cfg.License.APIToken))
		{
			license.POST("/verify", licenseHandler.Verify)
			license.POST("/register", licenseHandler.Register)
			license.POST("/status", licenseHandler.Status)
		}

		// Admin surface
		admin := v1.Group("/admin")
		{
			auth := admin.Group("/auth")
			auth.Use(middleware.AuthRateLimit())
			{
				auth.POST("/login", authHandler.Login)
				auth.GET("/me", middleware.AuthRequired(), authHandler.Me)
			}

			protected := admin.Group("")
			protected.Use(middleware.AuthRequired(), middleware.AdminRequired())
			{
				logs := protected.Group("/verification-logs")
				{
					logs.GET("", adminHandler.GetVerificationLogs)
					logs.GET("/stats", adminHandler.GetLogStats)
					logs.GET("/suspicious", adminHandler.GetSuspiciousActivity)
					logs.DELETE("", adminHandler.PurgeVerificationLogs)
				}

				licenses := protected.Group("/licenses")
				{
					licenses.GET("/:id/history", adminHandler.GetLicenseHistory)
					licenses.POST("/:id/suspend", adminHandler.SuspendLicense)
					licenses.POST("/:id/reactivate", adminHandler.ReactivateLicense)
				}

				domains := protected.Group("/domains")
				{
					domains.POST("/:id/block", adminHandler.BlockBinding)
					domains.POST("/:id/flag", adminHandler.FlagBinding)
					domains.POST("/:id/release", adminHandler.ReleaseBinding)
				}
			}
		}
	}

	return r
}
