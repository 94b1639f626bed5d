// Package store persists the core's cross-call state: trade envelopes with
// an open-by-symbol index, insert-once close records, an append-only audit
// log, and the ledger day snapshot. Writes use the write-tmp-sync-rename
// pattern so a crash never leaves a half-written file.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/types"
)

const (
	envelopesFile = "envelopes.json"
	closesFile    = "closes.json"
	auditFile     = "audit.jsonl"
	ledgerFile    = "ledger_day.json"
)

// Store keeps everything in JSON files under one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates the directory if needed and returns a store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// --- envelopes ---

// SaveEnvelope inserts a new envelope. While an envelope for the same symbol
// is open, a second open insert is rejected: the single-position invariant
// is enforced here, at the storage boundary.
func (s *Store) SaveEnvelope(env *types.TradeEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, err := s.loadEnvelopes()
	if err != nil {
		return err
	}
	if _, ok := envs[env.TradeID]; ok {
		return fmt.Errorf("envelope %s already exists", env.TradeID)
	}
	if env.Status == types.EnvelopeOpen {
		for _, e := range envs {
			if e.Status == types.EnvelopeOpen && e.Symbol == env.Symbol {
				return fmt.Errorf("open envelope already exists for %s (trade %s)", env.Symbol, e.TradeID)
			}
		}
	}
	envs[env.TradeID] = env
	return s.saveJSON(envelopesFile, envs)
}

// UpdateEnvelope replaces an existing envelope.
func (s *Store) UpdateEnvelope(env *types.TradeEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs, err := s.loadEnvelopes()
	if err != nil {
		return err
	}
	if _, ok := envs[env.TradeID]; !ok {
		return fmt.Errorf("envelope %s not found", env.TradeID)
	}
	envs[env.TradeID] = env
	return s.saveJSON(envelopesFile, envs)
}

// GetEnvelope returns the envelope by trade id, or nil.
func (s *Store) GetEnvelope(tradeID string) (*types.TradeEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs, err := s.loadEnvelopes()
	if err != nil {
		return nil, err
	}
	return envs[tradeID], nil
}

// OpenBySymbol returns the single open envelope for symbol, or nil.
func (s *Store) OpenBySymbol(symbol string) (*types.TradeEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs, err := s.loadEnvelopes()
	if err != nil {
		return nil, err
	}
	for _, e := range envs {
		if e.Status == types.EnvelopeOpen && e.Symbol == symbol {
			return e, nil
		}
	}
	return nil, nil
}

// ListOpen returns all open envelopes sorted by entry time.
func (s *Store) ListOpen() ([]*types.TradeEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs, err := s.loadEnvelopes()
	if err != nil {
		return nil, err
	}
	var open []*types.TradeEnvelope
	for _, e := range envs {
		if e.Status == types.EnvelopeOpen {
			open = append(open, e)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].EnteredAt.Before(open[j].EnteredAt) })
	return open, nil
}

func (s *Store) loadEnvelopes() (map[string]*types.TradeEnvelope, error) {
	envs := make(map[string]*types.TradeEnvelope)
	if err := s.loadJSON(envelopesFile, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// --- closes ---

// InsertClose writes one close record. Insert-once: a second insert for the
// same trade id reports inserted=false and leaves the first record intact.
func (s *Store) InsertClose(rec types.TradeCloseRecord) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := make(map[string]types.TradeCloseRecord)
	if err := s.loadJSON(closesFile, &closes); err != nil {
		return false, err
	}
	if _, ok := closes[rec.TradeID]; ok {
		return false, nil
	}
	closes[rec.TradeID] = rec
	return true, s.saveJSON(closesFile, closes)
}

// ListRecentCloses returns up to limit close records, newest first.
func (s *Store) ListRecentCloses(limit int) ([]types.TradeCloseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := make(map[string]types.TradeCloseRecord)
	if err := s.loadJSON(closesFile, &closes); err != nil {
		return nil, err
	}
	recs := make([]types.TradeCloseRecord, 0, len(closes))
	for _, r := range closes {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ClosedAt.After(recs[j].ClosedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// --- audit log ---

// AppendAudit appends one entry to the audit log. Append-only by contract:
// entries are never rewritten, one row per state transition.
func (s *Store) AppendAudit(entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, auditFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return f.Sync()
}

// ListAudit reads the full audit log in append order. Rows that fail to
// decode are skipped; the log outlives schema changes to individual entries.
func (s *Store) ListAudit() ([]types.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, auditFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []types.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// --- ledger day snapshot ---

// SaveLedgerDay implements ledger.DayStore.
func (s *Store) SaveLedgerDay(day ledger.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveJSON(ledgerFile, day)
}

// LoadLedgerDay implements ledger.DayStore.
func (s *Store) LoadLedgerDay() (ledger.Day, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var day ledger.Day
	path := filepath.Join(s.dir, ledgerFile)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return day, false, nil
	}
	if err != nil {
		return day, false, err
	}
	if err := json.Unmarshal(b, &day); err != nil {
		return day, false, err
	}
	return day, true, nil
}

// --- helpers ---

func (s *Store) loadJSON(name string, out any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) saveJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
