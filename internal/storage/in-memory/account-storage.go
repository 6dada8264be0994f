package in_memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
)

type AccountStorage struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*model.Account
	byCredential map[string]uuid.UUID
}

func NewAccountStorage() *AccountStorage {
	return &AccountStorage{
		accounts:     make(map[uuid.UUID]*model.Account),
		byCredential: make(map[string]uuid.UUID),
	}
}

func (a *AccountStorage) FindAccountByCredential(_ context.Context, credentialHash string) (model.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	accountID, ok := a.byCredential[credentialHash]
	if !ok {
		return model.Account{}, model.ErrNotFound
	}
	return *a.accounts[accountID], nil
}

func (a *AccountStorage) CreateAccount(_ context.Context, credentialHash string) (model.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byCredential[credentialHash]; ok {
		return model.Account{}, ErrAccountAlreadyExists
	}
	account := model.Account{
		ID:             uuid.New(),
		CredentialHash: credentialHash,
		CreatedAt:      time.Now().UTC(),
	}
	a.accounts[account.ID] = &account
	a.byCredential[credentialHash] = account.ID
	return account, nil
}

func (a *AccountStorage) ListAccounts(_ context.Context) ([]model.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	accounts := make([]model.Account, 0, len(a.accounts))
	for _, account := range a.accounts {
		accounts = append(accounts, *account)
	}
	slices.SortFunc(
		accounts, func(x, y model.Account) int {
			return x.CreatedAt.Compare(y.CreatedAt)
		},
	)
	return accounts, nil
}

func (a *AccountStorage) UpdateAccountCredential(_ context.Context, accountID uuid.UUID, credentialHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	account, ok := a.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	if owner, ok := a.byCredential[credentialHash]; ok && owner != accountID {
		return ErrAccountAlreadyExists
	}
	delete(a.byCredential, account.CredentialHash)
	account.CredentialHash = credentialHash
	a.byCredential[credentialHash] = accountID
	return nil
}

func (a *AccountStorage) DeleteAccount(_ context.Context, accountID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	account, ok := a.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	delete(a.byCredential, account.CredentialHash)
	delete(a.accounts, accountID)
	return nil
}
