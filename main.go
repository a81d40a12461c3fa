package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/malena-cloud/panelbot/database"
	"github.com/malena-cloud/panelbot/internal/models"
	"github.com/malena-cloud/panelbot/internal/routes"
	"github.com/malena-cloud/panelbot/internal/services"
	"github.com/malena-cloud/panelbot/internal/storage"
)

func main() {
	// Load .env file for local development
	if os.Getenv("INSTANCE_CONNECTION_NAME") == "" {
		err := godotenv.Load(".env")
		if err != nil {
			err = godotenv.Load("environments/.env.development")
			if err != nil {
				log.Println("⚠️  No .env file found - checking environment variables")
			}
		}
	}

	// Initialize storage
	var store storage.Store
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
	} else {
		log.Println("📦 Connecting to PostgreSQL database...")
		if err := database.Connect(); err != nil {
			log.Fatal(err)
		}

		log.Println("🔄 Running database migrations...")
		if err := database.DB.AutoMigrate(&models.Session{}); err != nil {
			log.Fatal("Failed to migrate database:", err)
		}
		log.Println("✅ Database migrations completed!")

		store = storage.NewDatabaseStore(database.DB)
		log.Println("✅ Using PostgreSQL database storage")
	}
	storage.SetStore(store)

	// Select the outbound transport
	var messenger services.Messenger
	var err error
	messengerType := os.Getenv("MESSENGER")
	if messengerType == "twilio" {
		messenger, err = services.NewTwilioService()
	} else {
		messengerType = "evolution"
		messenger, err = services.NewEvolutionService()
	}
	if err != nil {
		log.Fatal("Failed to initialize messenger:", err)
	}
	log.Printf("✅ Messenger initialized (%s)", messengerType)

	// Initialize panel clients
	authService, err := services.NewAuthService()
	if err != nil {
		log.Fatal("Failed to initialize auth service:", err)
	}
	panelService, err := services.NewPanelService()
	if err != nil {
		log.Fatal("Failed to initialize panel service:", err)
	}

	// Wire the conversation state machine
	dispatcher := services.NewDispatcher(messenger)
	cfg := services.ConfigFromEnv()
	conversations := services.NewConversationManager(store, dispatcher, authService, panelService, cfg)
	log.Println("✅ All services initialized")

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName: "Panel Bot v1.0.0",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	// Status endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":   "Panel Bot",
			"version":   "1.0.0",
			"status":    "healthy",
			"storage":   getStorageType(),
			"messenger": messengerType,
			"conversations": fiber.Map{
				"active": conversations.ActiveConversations(),
			},
		})
	})

	routes.SetupRoutes(app, conversations)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("\n🛑 Gracefully shutting down...")
		_ = app.Shutdown()
	}()

	log.Println("========================================")
	log.Printf("🚀 Panel Bot starting on port %s", port)
	log.Printf("📊 Storage: %s", getStorageType())
	log.Printf("📱 Messenger: %s", messengerType)
	log.Println("========================================")

	log.Fatal(app.Listen(":" + port))
}

func getStorageType() string {
	if os.Getenv("USE_MEMORY_STORE") == "true" {
		return "In-Memory (Testing)"
	}
	return "PostgreSQL Database"
}
