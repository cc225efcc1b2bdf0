// Package cards registers funding cards. The PAN never reaches the ledger
// tables in clear: the card row carries a token and a masked number, and the
// PAN itself is sealed under a KMS data key.
package cards

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/crypto"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/storage"
)

const DefaultKeyID = "cards"

type Store interface {
	CreateCard(ctx context.Context, card *ledger.Card, secret *storage.CardSecret) error
	CardSecret(ctx context.Context, cardID string) (*storage.CardSecret, error)
	Card(ctx context.Context, id string) (*ledger.Card, error)
}

type Registry struct {
	store    Store
	envelope *crypto.Envelope
	logger   *slog.Logger
	now      func() time.Time

	KeyID string
}

func NewRegistry(store Store, kms crypto.KMS, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		envelope: crypto.NewEnvelope(kms),
		logger:   logger,
		now:      time.Now,
		KeyID:    DefaultKeyID,
	}
}

// IssueParams describe a card to register.
type IssueParams struct {
	UserID         string          `json:"user_id"`
	CurrencyCode   string          `json:"currency_code"`
	Type           string          `json:"type"`
	PAN            string          `json:"pan"`
	Expiry         string          `json:"expiry"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// Issue validates and registers a card.
func (r *Registry) Issue(ctx context.Context, p IssueParams) (*ledger.Card, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, ledger.Invalid("user_id", "is required")
	}
	if err := ledger.ValidateCurrencyCode(p.CurrencyCode); err != nil {
		return nil, err
	}
	if p.InitialBalance.IsNegative() {
		return nil, ledger.Invalid("initial_balance", "must not be negative")
	}
	pan, err := NormalizePAN(p.PAN)
	if err != nil {
		return nil, err
	}
	expires, err := ParseExpiry(p.Expiry)
	if err != nil {
		return nil, err
	}
	if !r.now().Before(expires) {
		return nil, ledger.Invalid("expiry", "card has expired")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	card := &ledger.Card{
		ID:             uuid.NewString(),
		Number:         Mask(pan),
		Token:          token,
		UserID:         p.UserID,
		CurrencyCode:   p.CurrencyCode,
		Type:           p.Type,
		Status:         ledger.CardActive,
		ExpiresAt:      expires,
		InitialBalance: p.InitialBalance,
	}
	if card.Type == "" {
		card.Type = "debit"
	}

	sealed, err := r.envelope.Seal(ctx, r.KeyID, []byte(pan), []byte(card.ID))
	if err != nil {
		return nil, fmt.Errorf("seal pan: %w", err)
	}
	secret := &storage.CardSecret{
		Ciphertext:   sealed.Ciphertext,
		EncryptedKey: sealed.EncryptedKey,
		Nonce:        sealed.Nonce,
		KeyID:        sealed.KeyID,
	}
	if err := r.store.CreateCard(ctx, card, secret); err != nil {
		return nil, err
	}
	r.logger.Info("card issued", "card_id", card.ID, "user_id", card.UserID, "number", card.Number)
	return card, nil
}

// Reveal returns the clear PAN of a card.
func (r *Registry) Reveal(ctx context.Context, cardID string) (string, error) {
	secret, err := r.store.CardSecret(ctx, cardID)
	if err != nil {
		return "", err
	}
	pan, err := r.envelope.Open(ctx, &crypto.Sealed{
		Ciphertext:   secret.Ciphertext,
		EncryptedKey: secret.EncryptedKey,
		Nonce:        secret.Nonce,
		KeyID:        secret.KeyID,
	}, []byte(cardID))
	if err != nil {
		return "", fmt.Errorf("open card %s: %w", cardID, err)
	}
	r.logger.Warn("card revealed", "card_id", cardID)
	return string(pan), nil
}

func (r *Registry) Get(ctx context.Context, id string) (*ledger.Card, error) {
	return r.store.Card(ctx, id)
}
