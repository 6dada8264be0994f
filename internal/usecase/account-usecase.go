package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/config"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	"github.com/rs/zerolog/log"
)

const (
	apiKeyPrefix            = "ak_"
	apiKeyRandomBytes       = 24
	maxKeyGenerationAttempt = 10
)

var (
	ErrAPIKeyGenerationFailed = errors.New("failed to generate unique api key")

	credentialHashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

type AccountStorage interface {
	FindAccountByCredential(ctx context.Context, credentialHash string) (model.Account, error)
	CreateAccount(ctx context.Context, credentialHash string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpdateAccountCredential(ctx context.Context, accountID uuid.UUID, credentialHash string) error
	DeleteAccount(ctx context.Context, accountID uuid.UUID) error
}

type AccountUsecaseDeps struct {
	AccountStorage AccountStorage
}

type AccountUsecase struct {
	AccountUsecaseDeps
	cfg config.Auth
}

func NewAccountUsecase(deps AccountUsecaseDeps, cfg config.Auth) *AccountUsecase {
	return &AccountUsecase{
		AccountUsecaseDeps: deps,
		cfg:                cfg,
	}
}

// Authenticate resolves a raw API key to its account. Only hashed
// credentials are looked up.
func (a *AccountUsecase) Authenticate(ctx context.Context, credential string) (model.Account, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Account{}, fmt.Errorf("api key required: %w", model.ErrUnauthorized)
	}
	account, err := a.AccountStorage.FindAccountByCredential(ctx, HashCredential(credential))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Account{}, fmt.Errorf("invalid api key: %w", model.ErrUnauthorized)
		}
		return model.Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return account, nil
}

// Register creates an account and returns its raw API key. The key is not
// stored and cannot be recovered later.
func (a *AccountUsecase) Register(ctx context.Context) (model.Account, string, error) {
	for attempt := 0; attempt < maxKeyGenerationAttempt; attempt++ {
		rawKey, err := generateAPIKey()
		if err != nil {
			return model.Account{}, "", err
		}
		hash := HashCredential(rawKey)
		_, err = a.AccountStorage.FindAccountByCredential(ctx, hash)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Account{}, "", fmt.Errorf("failed to check api key: %w", err)
		}
		account, err := a.AccountStorage.CreateAccount(ctx, hash)
		if err != nil {
			return model.Account{}, "", fmt.Errorf("failed to create account: %w", err)
		}
		return account, rawKey, nil
	}
	return model.Account{}, "", ErrAPIKeyGenerationFailed
}

// AuthorizeAdmin checks the key of the management routes. They are closed when
// no admin key is configured.
func (a *AccountUsecase) AuthorizeAdmin(adminKey string) error {
	expected := strings.TrimSpace(a.cfg.AdminAPIKey)
	if expected == "" {
		return fmt.Errorf("admin api is not configured: %w", model.ErrUnauthorized)
	}
	adminKey = strings.TrimSpace(adminKey)
	if subtle.ConstantTimeCompare([]byte(adminKey), []byte(expected)) != 1 {
		return fmt.Errorf("invalid admin key: %w", model.ErrUnauthorized)
	}
	return nil
}

// RotateAPIKey replaces the key of an account. The previous key stops working
// immediately.
func (a *AccountUsecase) RotateAPIKey(ctx context.Context, adminKey string, accountID uuid.UUID) (
	model.Account,
	string,
	error,
) {
	if err := a.AuthorizeAdmin(adminKey); err != nil {
		return model.Account{}, "", err
	}
	rawKey, err := generateAPIKey()
	if err != nil {
		return model.Account{}, "", err
	}
	hash := HashCredential(rawKey)
	if err = a.AccountStorage.UpdateAccountCredential(ctx, accountID, hash); err != nil {
		return model.Account{}, "", fmt.Errorf("failed to rotate key of %s: %w", accountID, err)
	}
	log.Info().Str("account_id", accountID.String()).Msg("api key rotated")
	return model.Account{ID: accountID, CredentialHash: hash}, rawKey, nil
}

// IssueAPIKey registers an account on behalf of an administrator.
func (a *AccountUsecase) IssueAPIKey(ctx context.Context, adminKey string) (model.Account, string, error) {
	if err := a.AuthorizeAdmin(adminKey); err != nil {
		return model.Account{}, "", err
	}
	return a.Register(ctx)
}

func (a *AccountUsecase) RevokeAccount(ctx context.Context, adminKey string, accountID uuid.UUID) error {
	if err := a.AuthorizeAdmin(adminKey); err != nil {
		return err
	}
	if err := a.AccountStorage.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to revoke account %s: %w", accountID, err)
	}
	log.Info().Str("account_id", accountID.String()).Msg("account revoked")
	return nil
}

// MigrateLegacyCredentials hashes credentials that were stored in plain form
// by older deployments. It returns the number of migrated accounts.
func (a *AccountUsecase) MigrateLegacyCredentials(ctx context.Context) (int, error) {
	accounts, err := a.AccountStorage.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	migrated := 0
	for _, account := range accounts {
		if account.CredentialHash == "" || credentialHashPattern.MatchString(account.CredentialHash) {
			continue
		}
		err = a.AccountStorage.UpdateAccountCredential(ctx, account.ID, HashCredential(account.CredentialHash))
		if err != nil {
			return migrated, fmt.Errorf("failed to migrate account %s: %w", account.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

// EnsureBootstrapAccount creates an account for a preconfigured key outside
// production.
func (a *AccountUsecase) EnsureBootstrapAccount(ctx context.Context, environment string) error {
	rawKey := strings.TrimSpace(a.cfg.BootstrapAPIKey)
	if environment == config.EnvironmentProd {
		if rawKey != "" {
			log.Warn().Msg("bootstrap account is disabled in prod")
		}
		return nil
	}
	if rawKey == "" {
		return nil
	}
	hash := HashCredential(rawKey)
	preview := hash[:8]
	_, err := a.AccountStorage.FindAccountByCredential(ctx, hash)
	if err == nil {
		log.Info().Str("hash_prefix", preview).Msg("bootstrap account already exists")
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("failed to find bootstrap account: %w", err)
	}
	if _, err = a.AccountStorage.CreateAccount(ctx, hash); err != nil {
		return fmt.Errorf("failed to create bootstrap account: %w", err)
	}
	log.Info().Str("hash_prefix", preview).Msg("bootstrap account created")
	return nil
}

func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey() (string, error) {
	raw := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
