package model

import (
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID             uuid.UUID
	CredentialHash string
	CreatedAt      time.Time
}
