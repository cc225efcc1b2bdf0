// Package tan issues and consumes one-time authorization codes. Codes are
// kept hashed in a Redis set per user.
package tan

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBatchSize = 10
	defaultDigits    = 6
	defaultTTL       = 30 * 24 * time.Hour
)

var ErrUserRequired = errors.New("tan: user id is required")

// Service implements the TAN collaborator of the request service.
type Service struct {
	redis  *redis.Client
	prefix string
	logger *slog.Logger

	BatchSize int
	Digits    int
	TTL       time.Duration
}

func NewService(rdb *redis.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		redis:     rdb,
		prefix:    "tan",
		logger:    logger,
		BatchSize: defaultBatchSize,
		Digits:    defaultDigits,
		TTL:       defaultTTL,
	}
}

func (s *Service) key(userID string) string {
	return s.prefix + ":" + userID
}

func hash(userID, code string) string {
	sum := sha256.Sum256([]byte(userID + ":" + strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// IssueBatch replaces the user's codes with a fresh batch and returns the
// plaintext codes. They are not retrievable afterwards.
func (s *Service) IssueBatch(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	codes := make([]string, 0, s.BatchSize)
	hashes := make([]any, 0, s.BatchSize)
	seen := make(map[string]struct{}, s.BatchSize)
	for len(codes) < s.BatchSize {
		code, err := s.generate()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
		hashes = append(hashes, hash(userID, code))
	}

	key := s.key(userID)
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.SAdd(ctx, key, hashes...)
		p.Expire(ctx, key, s.TTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store tan batch: %w", err)
	}
	s.logger.Info("tan batch issued", "user_id", userID, "count", len(codes))
	return codes, nil
}

// Consume removes code from the user's batch. It reports false when the code
// is unknown or was already used.
func (s *Service) Consume(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" {
		return false, ErrUserRequired
	}
	removed, err := s.redis.SRem(ctx, s.key(userID), hash(userID, code)).Result()
	if err != nil {
		return false, fmt.Errorf("consume tan: %w", err)
	}
	return removed == 1, nil
}

// Remaining returns how many unused codes the user has.
func (s *Service) Remaining(ctx context.Context, userID string) (int64, error) {
	return s.redis.SCard(ctx, s.key(userID)).Result()
}

func (s *Service) generate() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.Digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate tan: %w", err)
	}
	return fmt.Sprintf("%0*d", s.Digits, n), nil
}
