package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/qcom/sessionauth/internal/config"
	"github.com/qcom/sessionauth/internal/handlers"
	"github.com/qcom/sessionauth/internal/middleware"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/qcom/sessionauth/internal/repository"
	"github.com/qcom/sessionauth/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type userStore interface {
	service.UserDirectory
	Create(ctx context.Context, user *models.User) error
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
	}

	ctx := context.Background()

	var dynamoClient *dynamodb.Client
	if cfg.Storage.Tokens == config.BackendDynamoDB || cfg.Storage.Users == config.BackendDynamoDB {
		dynamoClient, err = initDynamoDB(ctx, cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize DynamoDB")
		}
	}

	// Initialize repositories
	users := newUserStore(cfg, dynamoClient, logger)
	tokens, closer, err := newTokenStore(ctx, cfg, dynamoClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize refresh token store")
	}
	defer closer.Close()

	if err := seedUser(ctx, cfg.Seed, users, logger); err != nil {
		logger.WithError(err).Fatal("Failed to seed user")
	}

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	credentials := service.NewCredentialService(nil, logger)
	authService := service.NewAuthService(users, tokens, credentials, jwtService, &cfg.JWT, logger)

	authHandlers := handlers.NewAuthHandlers(authService, service.NewClaimsReader(), logger)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)
	router := setupRouter(authHandlers, authMiddleware, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        cfg.Server.Port,
			"token_store": cfg.Storage.Tokens,
			"user_store":  cfg.Storage.Users,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newUserStore(cfg *config.Config, client *dynamodb.Client, logger *logrus.Logger) userStore {
	if cfg.Storage.Users == config.BackendMemory {
		logger.Warn("Using in-memory user directory; accounts are lost on restart")
		return repository.NewMemoryUserRepository()
	}
	return repository.NewUserRepository(client, cfg.DynamoDB.UsersTableName, logger)
}

func newTokenStore(ctx context.Context, cfg *config.Config, client *dynamodb.Client, logger *logrus.Logger) (service.RefreshTokenStore, io.Closer, error) {
	switch cfg.Storage.Tokens {
	case config.BackendDynamoDB:
		return repository.NewRefreshTokenRepository(client, cfg.DynamoDB.TableName, logger), nopCloser{}, nil

	case config.BackendPostgres:
		db, err := repository.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.Migrate {
			if err := repository.RunMigrations(ctx, db); err != nil {
				db.Close()
				return nil, nil, err
			}
			logger.Info("Refresh token migrations applied")
		}
		return repository.NewPostgresRefreshTokenRepository(db, logger), db, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return repository.NewRedisRefreshTokenRepository(rdb, logger), rdb, nil

	case config.BackendMemory:
		logger.Warn("Using in-memory refresh token store; sessions are lost on restart")
		return repository.NewMemoryRefreshTokenRepository(), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown token store %q", cfg.Storage.Tokens)
}

func seedUser(ctx context.Context, seed config.SeedConfig, users userStore, logger *logrus.Logger) error {
	if seed.Email == "" || seed.Password == "" {
		return nil
	}

	hash, err := service.HashPassword(seed.Password)
	if err != nil {
		return err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		UserName:     seed.UserName,
		Email:        seed.Email,
		PasswordHash: hash,
		Roles:        seed.Roles,
	}
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			logger.WithField("email", seed.Email).Info("Seed user already exists")
			return nil
		}
		return err
	}

	logger.WithField("user_id", user.ID).Info("Seed user created")
	return nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(authMiddleware.Authenticate)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
	auth.HandleFunc("/refresh", authHandlers.RefreshToken).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/auth/logout", authHandlers.Logout).Methods("POST", "OPTIONS")
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET", "OPTIONS")

	return router
}
