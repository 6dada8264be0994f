package key_value

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
	"github.com/redis/go-redis/v9"
)

const accountsKey = "accounts"

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
)

type accountInternal struct {
	ID             string    `json:"id"`
	CredentialHash string    `json:"credential_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

type AccountStorage struct {
	rdb *redis.Client
}

func NewAccountStorage(rdb *redis.Client) *AccountStorage {
	return &AccountStorage{
		rdb: rdb,
	}
}

func (a *AccountStorage) FindAccountByCredential(ctx context.Context, credentialHash string) (model.Account, error) {
	accountIDStr, err := a.rdb.Get(ctx, getCredentialKey(credentialHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Account{}, model.ErrNotFound
		}
		return model.Account{}, fmt.Errorf("failed to get credential: %w", err)
	}
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to parse accountID %s: %w", accountIDStr, err)
	}
	return a.getAccount(ctx, accountID)
}

func (a *AccountStorage) CreateAccount(ctx context.Context, credentialHash string) (model.Account, error) {
	account := model.Account{
		ID:             uuid.New(),
		CredentialHash: credentialHash,
		CreatedAt:      time.Now().UTC(),
	}
	claimed, err := a.rdb.SetNX(ctx, getCredentialKey(credentialHash), account.ID.String(), 0).Result()
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to claim credential: %w", err)
	}
	if !claimed {
		return model.Account{}, ErrAccountAlreadyExists
	}
	_, err = a.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			if err := setAccount(ctx, pipe, account); err != nil {
				return err
			}
			pipe.SAdd(ctx, accountsKey, account.ID.String())
			return nil
		},
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to save account %s: %w", account.ID, err)
	}
	return account, nil
}

func (a *AccountStorage) ListAccounts(ctx context.Context) ([]model.Account, error) {
	accountIDs, err := a.rdb.SMembers(ctx, accountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account ids: %w", err)
	}
	accounts := make([]model.Account, 0, len(accountIDs))
	for _, accountIDStr := range accountIDs {
		accountID, err := uuid.Parse(accountIDStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse accountID %s: %w", accountIDStr, err)
		}
		account, err := a.getAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	slices.SortFunc(
		accounts, func(x, y model.Account) int {
			return x.CreatedAt.Compare(y.CreatedAt)
		},
	)
	return accounts, nil
}

func (a *AccountStorage) UpdateAccountCredential(ctx context.Context, accountID uuid.UUID, credentialHash string) error {
	account, err := a.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	claimed, err := a.rdb.SetNX(ctx, getCredentialKey(credentialHash), accountID.String(), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim credential: %w", err)
	}
	if !claimed {
		return ErrAccountAlreadyExists
	}
	previous := account.CredentialHash
	account.CredentialHash = credentialHash
	_, err = a.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, getCredentialKey(previous))
			return setAccount(ctx, pipe, account)
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	return nil
}

// DeleteAccount removes the account together with its conversations.
func (a *AccountStorage) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	account, err := a.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	accountConversationsKey := getAccountConversationsKey(accountID)
	conversationIDs, err := a.rdb.ZRange(ctx, accountConversationsKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to get conversations of %s: %w", accountID, err)
	}
	keys := []string{
		getAccountKey(accountID),
		getCredentialKey(account.CredentialHash),
		accountConversationsKey,
	}
	for _, conversationIDStr := range conversationIDs {
		conversationID, err := uuid.Parse(conversationIDStr)
		if err != nil {
			return fmt.Errorf("failed to parse conversationID %s: %w", conversationIDStr, err)
		}
		keys = append(keys, getConversationKey(conversationID), getConversationMessagesKey(conversationID))
	}
	_, err = a.rdb.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.SRem(ctx, accountsKey, accountID.String())
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", accountID, err)
	}
	return nil
}

func (a *AccountStorage) getAccount(ctx context.Context, accountID uuid.UUID) (model.Account, error) {
	accountRaw, err := a.rdb.Get(ctx, getAccountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Account{}, model.ErrNotFound
		}
		return model.Account{}, fmt.Errorf("failed to get account %s: %w", accountID, err)
	}
	var accountInt accountInternal
	if err = json.Unmarshal([]byte(accountRaw), &accountInt); err != nil {
		return model.Account{}, fmt.Errorf("failed to unmarshal account %s: %w", accountID, err)
	}
	return model.Account{
		ID:             accountID,
		CredentialHash: accountInt.CredentialHash,
		CreatedAt:      accountInt.CreatedAt,
	}, nil
}

func setAccount(ctx context.Context, pipe redis.Pipeliner, account model.Account) error {
	accountJSON, err := json.Marshal(
		accountInternal{
			ID:             account.ID.String(),
			CredentialHash: account.CredentialHash,
			CreatedAt:      account.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to marshal internal account: %w", err)
	}
	pipe.Set(ctx, getAccountKey(account.ID), accountJSON, 0)
	return nil
}

func getAccountKey(id uuid.UUID) string {
	return fmt.Sprintf("account_%v", id.String())
}

func getCredentialKey(hash string) string {
	return fmt.Sprintf("credential_%v", hash)
}
