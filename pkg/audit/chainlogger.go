package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Genesis is the previous hash of the first link of every chain.
var Genesis = strings.Repeat("0", 64)

// Link hashes one chain element from its predecessor's hash, its timestamp
// and its payload.
func Link(prevHash string, ts time.Time, payload string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// LogEntry is a single element of an in-memory chain.
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Payload      string    `json:"payload"`
	Hash         string    `json:"hash"`
}

// ChainLogger appends hash-chained entries. Safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	now          func() time.Time
	sink         func(*LogEntry)
}

// NewChainLogger creates a chain starting at Genesis. sink, when non-nil,
// receives every appended entry.
func NewChainLogger(sink func(*LogEntry)) *ChainLogger {
	return &ChainLogger{
		previousHash: Genesis,
		now:          time.Now,
		sink:         sink,
	}
}

// Append adds a new entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC(),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = Link(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.sink != nil {
		c.sink(entry)
	}
	return entry
}

// VerifyChain checks that entries form an unbroken chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if Link(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}
