package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/iamvkosarev/ai-chat-gateway/config"
	in_memory "github.com/iamvkosarev/ai-chat-gateway/internal/storage/in-memory"
	key_value "github.com/iamvkosarev/ai-chat-gateway/internal/storage/key-value"
	"github.com/iamvkosarev/ai-chat-gateway/internal/storage/sqlite"
	"github.com/iamvkosarev/ai-chat-gateway/internal/transport/rest"
	"github.com/iamvkosarev/ai-chat-gateway/internal/usecase"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

type storages struct {
	accounts usecase.AccountStorage
	chats    usecase.ChatStorage
	close    func() error
}

func SetupLogger(cfg config.Log) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}

// Run serves the gateway until ctx is cancelled, then drains in-flight
// requests and streamed replies.
func Run(ctx context.Context, cfg *config.Config) error {
	baseURL, err := url.JoinPath(cfg.OpenAI.OpenAIBaseURL, "/v1")
	if err != nil {
		return err
	}
	cfg.OpenAI.OpenAIBaseURL = baseURL

	stores, err := openStorages(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := stores.close(); err != nil {
			log.Warn().Err(err).Msg("failed to close storage")
		}
	}()

	accountUsecase := usecase.NewAccountUsecase(
		usecase.AccountUsecaseDeps{
			AccountStorage: stores.accounts,
		}, cfg.Auth,
	)
	if cfg.Auth.MigrateLegacyKeys {
		migrated, err := accountUsecase.MigrateLegacyCredentials(ctx)
		if err != nil {
			return fmt.Errorf("failed to migrate credentials: %w", err)
		}
		if migrated > 0 {
			log.Info().Int("accounts", migrated).Msg("legacy credentials hashed")
		}
	}
	if err = accountUsecase.EnsureBootstrapAccount(ctx, cfg.Environment); err != nil {
		return err
	}

	rateLimitUsecase := usecase.NewRateLimitUsecase(cfg.RateLimit)
	openAIUsecase := usecase.NewOpenAIUsecase(cfg.OpenAI, &http.Client{})

	chatUsecase := usecase.NewChatUsecase(
		usecase.ChatUsecaseDeps{
			ChatStorage: stores.chats,
			Account:     accountUsecase,
			RateLimit:   rateLimitUsecase,
			Completer:   openAIUsecase,
		}, cfg.Chat, cfg.OpenAI.OpenAIModel,
	)
	conversationUsecase := usecase.NewConversationUsecase(
		usecase.ConversationUsecaseDeps{
			ChatStorage: stores.chats,
			Account:     accountUsecase,
			RateLimit:   rateLimitUsecase,
		},
	)

	server := rest.NewServer(
		rest.ServerDeps{
			Chat:          chatUsecase,
			Conversations: conversationUsecase,
			Accounts:      accountUsecase,
		},
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	var wg conc.WaitGroup
	serveErr := make(chan error, 1)
	wg.Go(
		func() {
			log.Info().
				Str("address", cfg.HTTP.Address).
				Str("storage", cfg.Storage.Driver).
				Str("model", cfg.OpenAI.OpenAIModel).
				Msg("gateway started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		},
	)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		wg.Wait()
		return fmt.Errorf("http server stopped: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err = httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()
	chatUsecase.Wait()
	return nil
}

func openStorages(ctx context.Context, cfg config.Storage) (storages, error) {
	switch cfg.Driver {
	case StorageMemory, "":
		log.Warn().Msg("in-memory storage: data is lost on restart")
		return storages{
			accounts: in_memory.NewAccountStorage(),
			chats:    in_memory.NewChatStorage(),
			close:    func() error { return nil },
		}, nil
	case StorageRedis:
		rdb := redis.NewClient(
			&redis.Options{
				Addr: cfg.RedisEndpoint,
			},
		)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return storages{}, fmt.Errorf("failed to ping redis %s: %w", cfg.RedisEndpoint, err)
		}
		return storages{
			accounts: key_value.NewAccountStorage(rdb),
			chats:    key_value.NewChatStorage(rdb),
			close:    rdb.Close,
		}, nil
	case StorageSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return storages{}, err
		}
		return storages{
			accounts: sqlite.NewAccountStorage(db),
			chats:    sqlite.NewChatStorage(db),
			close:    db.Close,
		}, nil
	default:
		return storages{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
