package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clovisapp/clovis-backend/internal/db"
	"github.com/clovisapp/clovis-backend/internal/handlers"
	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/middleware"
	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/server"
	"github.com/clovisapp/clovis-backend/internal/services"
	"github.com/clovisapp/clovis-backend/internal/sse"
	"github.com/clovisapp/clovis-backend/internal/sse/bus"
	"github.com/clovisapp/clovis-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	port := utils.GetEnv("PORT", "8080", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	projectRepo := repos.NewProjectRepo(thePG, log)
	blueprintRepo := repos.NewBlueprintRepo(thePG, log)
	conversionRunRepo := repos.NewConversionRunRepo(thePG, log)
	taskRepo := repos.NewTaskRepo(thePG, log)
	notificationRepo := repos.NewNotificationRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)
	var sseBus bus.Bus
	if os.Getenv("REDIS_ADDR") != "" {
		sseBus, err = bus.NewRedisBus(log)
		if err != nil {
			log.Warn("Could not init redis bus, running hub-local only", "error", err)
			sseBus = nil
		} else {
			if err := sseBus.StartForwarder(context.Background(), sseHub.Broadcast); err != nil {
				log.Warn("Could not start bus forwarder", "error", err)
			}
		}
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	pdfService := services.NewPDFService(log)
	emitter := services.NewEmitter(log, sseHub, sseBus)
	blueprintNotifier := services.NewBlueprintNotifier(log, emitter, notificationRepo)
	conversionService := services.NewConversionService(
		thePG,
		log,
		blueprintRepo,
		conversionRunRepo,
		bucketService,
		pdfService,
		services.NewFitzRenderer(),
		blueprintNotifier,
	)
	conversionService.StartWorker(context.Background())
	blueprintService := services.NewBlueprintService(thePG, log, blueprintRepo, taskRepo, bucketService, pdfService, conversionService)
	accessService := services.NewAccessService(log, projectRepo)
	projectService := services.NewProjectService(thePG, log, projectRepo, taskRepo, notificationRepo)
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey, time.Duration(accessTokenTTL)*time.Second)

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(authService)
	projectHandler := handlers.NewProjectHandler(projectService, accessService)
	blueprintHandler := handlers.NewBlueprintHandler(log, blueprintService, accessService)
	sseHandler := handlers.NewSSEHandler(log, sseHub, accessService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthHandler:      authHandler,
		AuthMiddleware:   authMiddleware,
		ProjectHandler:   projectHandler,
		BlueprintHandler: blueprintHandler,
		SSEHandler:       sseHandler,
	})

	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}
