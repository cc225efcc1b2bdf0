package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/example/wallet-ledger/internal/auth"
	"github.com/example/wallet-ledger/internal/ledger"
)

// GetClient implements auth.ClientStore.
func (d *DB) GetClient(ctx context.Context, clientID string) (*auth.Client, error) {
	var (
		c      auth.Client
		scopes string
	)
	err := d.read(ctx, func(ctx context.Context, q conn) error {
		return wrap("load oauth client", q.row(ctx,
			`SELECT client_id, secret_hash, scopes FROM oauth_clients WHERE client_id = ?`, clientID).
			Scan(&c.ID, &c.SecretHash, &scopes))
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, auth.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutClient registers or replaces a client. The secret is hashed before it
// is stored.
func (d *DB) PutClient(ctx context.Context, clientID, secret string, scopes []string) error {
	if clientID == "" || secret == "" {
		return ledger.Invalid("client", "id and secret are required")
	}
	hash, err := auth.HashClientSecret(secret)
	if err != nil {
		return err
	}
	if scopes == nil {
		scopes = []string{}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return err
	}
	return d.InTx(ctx, func(tx *Tx) error {
		c := tx.conn()
		if _, err := c.exec(ctx, "delete oauth client", `DELETE FROM oauth_clients WHERE client_id = ?`, clientID); err != nil {
			return err
		}
		_, err := c.exec(ctx, "create oauth client",
			`INSERT INTO oauth_clients (client_id, secret_hash, scopes, created_at) VALUES (?, ?, ?, ?)`,
			clientID, hash, string(raw), now())
		return err
	})
}

var _ auth.ClientStore = (*DB)(nil)
