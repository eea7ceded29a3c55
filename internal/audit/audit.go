// Package audit writes tamper-evident JSONL audit trails for privileged
// actions. Entries form a hash chain: each entry carries the previous
// entry's hash, so modifying any line invalidates every successor.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// genesisHash anchors the chain: the first entry's prev_hash.
const genesisHash = "GENESIS"

// Entry is one audit record as persisted, one JSON object per line.
type Entry struct {
	TS       string         `json:"ts"`
	User     string         `json:"user"`
	Role     string         `json:"role"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Details  map[string]any `json:"details"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// Stats summarizes the on-disk log.
type Stats struct {
	TotalEntries  int
	FileSizeBytes int64
	Path          string
}

// Logger appends hash-chained entries to a single JSONL file. One Logger
// per process; the mutex serializes writers so the chain stays totally
// ordered.
type Logger struct {
	mu       sync.Mutex
	path     string
	lastHash string
	log      *slog.Logger
}

// NewLogger opens (or creates) the audit log at path. If the file already
// has entries, the chain resumes from the last line's hash rather than
// restarting at GENESIS, so restarts do not break verification.
func NewLogger(path string, log *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}

	last, err := tailHash(path)
	if err != nil {
		return nil, err
	}

	return &Logger{path: path, lastHash: last, log: log}, nil
}

// tailHash returns the hash of the last parseable line, or GENESIS for a
// missing or empty file.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	last := genesisHash
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err == nil && e.Hash != "" {
			last = e.Hash
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("audit: scan log: %w", err)
	}
	return last, nil
}

// Append records one audit entry and returns it. The write is append-only;
// a file-level failure is returned but the in-memory chain still advances
// so subsequent entries remain ordered.
func (l *Logger) Append(user, role, action, resource string, details map[string]any) (Entry, error) {
	if details == nil {
		details = map[string]any{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fields := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"user":      user,
		"role":      role,
		"action":    action,
		"resource":  resource,
		"details":   details,
		"prev_hash": l.lastHash,
	}
	hash, err := chainHash(fields, l.lastHash)
	if err != nil {
		return Entry{}, err
	}
	fields["hash"] = hash

	entry := Entry{
		TS:       fields["ts"].(string),
		User:     user,
		Role:     role,
		Action:   action,
		Resource: resource,
		Details:  details,
		PrevHash: l.lastHash,
		Hash:     hash,
	}
	l.lastHash = hash

	line, err := json.Marshal(fields)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.log.Info("audit",
		"user", user,
		"role", role,
		"action", action,
		"resource", resource,
	)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return entry, fmt.Errorf("audit: open log for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return entry, fmt.Errorf("audit: write entry: %w", err)
	}
	return entry, nil
}

// Verify walks the whole file recomputing the chain. It returns
// (true, 0, n) when all n entries check out, or (false, line, n-so-far)
// with the 1-based line number of the first break: a prev_hash that does
// not match, a hash that does not recompute, or an unparseable line.
func (l *Logger) Verify() (valid bool, brokenLine int, entries int, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, 0, 0, nil
		}
		return false, 0, 0, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	prev := genesisHash
	lineNum := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNum++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		// UseNumber keeps numeric detail values byte-identical through the
		// decode/re-encode round trip, so recomputed hashes match.
		var fields map[string]any
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return false, lineNum, entries, nil
		}

		if fields["prev_hash"] != prev {
			return false, lineNum, entries, nil
		}

		stored, _ := fields["hash"].(string)
		delete(fields, "hash")
		expected, err := chainHash(fields, prev)
		if err != nil {
			return false, lineNum, entries, nil
		}
		if stored != expected {
			return false, lineNum, entries, nil
		}

		prev = stored
		entries++
	}
	if err := sc.Err(); err != nil {
		return false, 0, entries, fmt.Errorf("audit: scan log: %w", err)
	}
	return true, 0, entries, nil
}

// Stats summarizes the log file.
func (l *Logger) Stats() (Stats, error) {
	st := Stats{Path: l.path}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return Stats{}, fmt.Errorf("audit: stat log: %w", err)
	}
	st.FileSizeBytes = info.Size()

	f, err := os.Open(l.path)
	if err != nil {
		return Stats{}, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			st.TotalEntries++
		}
	}
	if err := sc.Err(); err != nil {
		return Stats{}, fmt.Errorf("audit: scan log: %w", err)
	}
	return st, nil
}

// chainHash computes hex(SHA-256(canonical ‖ prevHash))[:16], where
// canonical is the entry (without its hash field) as compact JSON with
// lexicographically sorted keys. The entry already embeds prev_hash as a
// field; appending it again binds the digest to the chain position.
func chainHash(fields map[string]any, prevHash string) (string, error) {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(append(canonical, prevHash...))
	return hex.EncodeToString(sum[:])[:16], nil
}
