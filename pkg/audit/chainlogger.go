// Package audit keeps a tamper-evident trail of ledger activity. Each entry
// hashes its predecessor, so editing or removing any entry breaks the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Event is one audited action, such as a transfer attempt or an HTTP
// request.
type Event struct {
	Action        string            `json:"action"`
	Subject       string            `json:"subject,omitempty"`
	Outcome       string            `json:"outcome"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
}

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger appends hash-chained entries and, when a sink is set, writes
// each one as a JSON line. Entries are kept in memory only with
// WithEntries.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sequence     uint64
	retain       bool
	entries      []*LogEntry
	sink         io.Writer
	now          func() time.Time
}

// Option configures a ChainLogger.
type Option func(*ChainLogger)

// WithEntries keeps every appended entry for Entries.
func WithEntries() Option {
	return func(c *ChainLogger) { c.retain = true }
}

// NewChainLogger creates a chain starting from the zero hash. sink may be
// nil.
func NewChainLogger(sink io.Writer, opts ...Option) *ChainLogger {
	c := &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		sink:         sink,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record appends ev to the chain.
func (c *ChainLogger) Record(ev Event) (*LogEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return c.Append(string(payload))
}

// Append adds a raw payload to the chain.
func (c *ChainLogger) Append(payload string) (*LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	entry := &LogEntry{
		Sequence:     c.sequence,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)

	if c.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			c.sequence--
			return nil, fmt.Errorf("marshal audit entry: %w", err)
		}
		if _, err := c.sink.Write(append(line, '\n')); err != nil {
			c.sequence--
			return nil, fmt.Errorf("write audit entry: %w", err)
		}
	}

	c.previousHash = entry.Hash
	if c.retain {
		c.entries = append(c.entries, entry)
	}
	return entry, nil
}

// Entries returns a copy of the entries appended so far. It is empty
// unless the logger was built WithEntries.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*LogEntry, len(c.entries))
	for i, e := range c.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

func entryHash(prevHash string, e *LogEntry) string {
	input := fmt.Sprintf("%s|%d|%s|%s", prevHash, e.Sequence, e.Timestamp, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash || entry.Sequence != entries[i-1].Sequence+1 {
				return false
			}
		}
		if entryHash(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

// ReadEntries decodes a JSON-lines audit log as written by a ChainLogger
// sink.
func ReadEntries(r io.Reader) ([]*LogEntry, error) {
	var out []*LogEntry
	dec := json.NewDecoder(r)
	for dec.More() {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", len(out)+1, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Segments splits entries at every restart of the chain. A process that
// reopens the same log starts a new chain at sequence 1.
func Segments(entries []*LogEntry) [][]*LogEntry {
	var out [][]*LogEntry
	start := 0
	for i, e := range entries {
		if i > start && e.Sequence == 1 {
			out = append(out, entries[start:i])
			start = i
		}
	}
	if start < len(entries) {
		out = append(out, entries[start:])
	}
	return out
}
