package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/launchpad/launchpad/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository is the durable client-side store backing the token store.
// Implementations only persist; they never decide whether a session is valid.
type SessionRepository interface {
	Save(ctx context.Context, key string, snapshot *models.SessionSnapshot) error
	Load(ctx context.Context, key string) (*models.SessionSnapshot, error)
	Delete(ctx context.Context, key string) error
}

// encodeSnapshot serialises a snapshot, sealing it when a sealer is set.
func encodeSnapshot(snapshot *models.SessionSnapshot, sealer *Sealer) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if sealer == nil {
		return data, nil
	}
	return sealer.Seal(data)
}

func decodeSnapshot(data []byte, sealer *Sealer) (*models.SessionSnapshot, error) {
	if sealer != nil {
		opened, err := sealer.Open(data)
		if err != nil {
			return nil, err
		}
		data = opened
	}
	var snapshot models.SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &snapshot, nil
}
