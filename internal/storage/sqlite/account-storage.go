package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
)

type AccountStorage struct {
	db *sql.DB
}

func NewAccountStorage(db *sql.DB) *AccountStorage {
	return &AccountStorage{
		db: db,
	}
}

func (a *AccountStorage) FindAccountByCredential(ctx context.Context, credentialHash string) (model.Account, error) {
	row := a.db.QueryRowContext(
		ctx,
		`SELECT id, credential_hash, created_at FROM accounts WHERE credential_hash = ?`,
		credentialHash,
	)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, model.ErrNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return account, nil
}

func (a *AccountStorage) CreateAccount(ctx context.Context, credentialHash string) (model.Account, error) {
	account := model.Account{
		ID:             uuid.New(),
		CredentialHash: credentialHash,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	_, err := a.db.ExecContext(
		ctx,
		`INSERT INTO accounts (id, credential_hash, created_at) VALUES (?, ?, ?)`,
		account.ID.String(), credentialHash, toUnix(account.CreatedAt),
	)
	if isUniqueViolation(err) {
		return model.Account{}, ErrAccountAlreadyExists
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return account, nil
}

func (a *AccountStorage) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := a.db.QueryContext(
		ctx,
		`SELECT id, credential_hash, created_at FROM accounts ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]model.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (a *AccountStorage) UpdateAccountCredential(ctx context.Context, accountID uuid.UUID, credentialHash string) error {
	result, err := a.db.ExecContext(
		ctx,
		`UPDATE accounts SET credential_hash = ? WHERE id = ?`,
		credentialHash, accountID.String(),
	)
	if isUniqueViolation(err) {
		return ErrAccountAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (model.Account, error) {
	var (
		id        string
		account   model.Account
		createdAt int64
	)
	if err := row.Scan(&id, &account.CredentialHash, &createdAt); err != nil {
		return model.Account{}, err
	}
	accountID, err := uuid.Parse(id)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to parse accountID %s: %w", id, err)
	}
	account.ID = accountID
	account.CreatedAt = fromUnix(createdAt)
	return account, nil
}

// DeleteAccount removes the account with its conversations and messages.
func (a *AccountStorage) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID.String())
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", accountID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	return nil
}
