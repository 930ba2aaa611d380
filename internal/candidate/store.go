// Package candidate persists each source unit's append-only attempt history
// and terminal outcomes.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a unit has no history or no outcome.
	ErrNotFound = errors.New("not found")
	// ErrOutcomeRecorded is returned when a run records a second outcome for a unit.
	ErrOutcomeRecorded = errors.New("outcome already recorded for this run")
)

// Store manages unit journals on disk. Each unit has its own lock; no lock
// is shared across units once a unit's log has been looked up.
type Store struct {
	baseDir string
	codec   Codec
	now     func() time.Time
	units   sync.Map // unit ID -> *unitLog
}

type unitLog struct {
	mu       sync.Mutex
	loaded   bool
	dir      string
	path     string
	attempts []Attempt
	outcomes []Outcome
}

type unitMeta struct {
	ID      string `json:"id"`
	Format  string `json:"format"`
	Created string `json:"created_at"`
}

// NewStore creates a Store rooted at baseDir using codec for new journals.
func NewStore(baseDir string, codec Codec) *Store {
	if codec == nil {
		codec = JSONLCodec{}
	}
	return &Store{baseDir: baseDir, codec: codec, now: time.Now}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// unitDir names a unit's directory by a hash of its ID plus a readable suffix.
func (s *Store) unitDir(unit string) string {
	sum := sha256.Sum256([]byte(unit))
	base := unsafeName.ReplaceAllString(filepath.Base(unit), "_")
	return filepath.Join(s.baseDir, "units", hex.EncodeToString(sum[:8])+"-"+base)
}

func (s *Store) log(unit string) *unitLog {
	if v, ok := s.units.Load(unit); ok {
		return v.(*unitLog)
	}
	dir := s.unitDir(unit)
	v, _ := s.units.LoadOrStore(unit, &unitLog{dir: dir})
	return v.(*unitLog)
}

// load replays the unit's journal once. A torn final record is truncated so
// later appends start on a record boundary. Caller holds l.mu.
func (s *Store) load(unit string, l *unitLog) error {
	if l.loaded {
		return nil
	}
	path, codec, err := s.journalPath(l.dir)
	if err != nil {
		return err
	}
	l.path = path

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.loaded = true
			return nil
		}
		return fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	dec := codec.NewDecoder(f)
	for {
		e, err := dec.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrTornTail) {
			if err := os.Truncate(path, dec.Offset()); err != nil {
				return fmt.Errorf("truncate torn journal %s: %w", path, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("replay journal for %s: %w", unit, err)
		}
		switch e.Kind {
		case EntryAttempt:
			if e.Attempt != nil {
				l.attempts = append(l.attempts, *e.Attempt)
			}
		case EntryOutcome:
			if e.Outcome != nil {
				l.outcomes = append(l.outcomes, *e.Outcome)
			}
		}
	}
	l.loaded = true
	return nil
}

// journalPath finds an existing journal in dir, in either format, or names a
// new one in the store's configured format.
func (s *Store) journalPath(dir string) (string, Codec, error) {
	for _, c := range []Codec{s.codec, JSONLCodec{}, MsgpackCodec{}} {
		p := filepath.Join(dir, "journal"+c.Ext())
		if _, err := os.Stat(p); err == nil {
			return p, c, nil
		} else if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("stat journal: %w", err)
		}
	}
	return filepath.Join(dir, "journal"+s.codec.Ext()), s.codec, nil
}

func (s *Store) codecForPath(path string) Codec {
	if strings.HasSuffix(path, MsgpackCodec{}.Ext()) {
		return MsgpackCodec{}
	}
	return JSONLCodec{}
}

// write appends one entry to the journal and syncs it. Caller holds l.mu.
func (s *Store) write(unit string, l *unitLog, e Entry) error {
	if _, err := os.Stat(filepath.Join(l.dir, "unit.json")); os.IsNotExist(err) {
		meta := unitMeta{ID: unit, Format: s.codecForPath(l.path).Name(), Created: s.now().UTC().Format(time.RFC3339)}
		if err := WriteJSON(filepath.Join(l.dir, "unit.json"), meta); err != nil {
			return fmt.Errorf("write unit.json: %w", err)
		}
	}

	data, err := s.codecForPath(l.path).Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return f.Close()
}

// Append persists a for unit, assigning the next sequence number and the
// timestamp. The stored attempt is returned.
func (s *Store) Append(unit string, a Attempt) (Attempt, error) {
	if unit == "" {
		return Attempt{}, errors.New("unit is required")
	}
	if !a.Stage.Valid() {
		return Attempt{}, fmt.Errorf("invalid stage %q", a.Stage)
	}

	l := s.log(unit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.load(unit, l); err != nil {
		return Attempt{}, err
	}

	a.Unit = unit
	a.Seq = len(l.attempts)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if err := s.write(unit, l, Entry{Kind: EntryAttempt, Attempt: &a}); err != nil {
		return Attempt{}, err
	}
	l.attempts = append(l.attempts, a)
	return a, nil
}

// History returns a copy of every attempt for unit in sequence order.
func (s *Store) History(unit string) ([]Attempt, error) {
	l := s.log(unit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.load(unit, l); err != nil {
		return nil, err
	}
	out := make([]Attempt, len(l.attempts))
	copy(out, l.attempts)
	return out, nil
}

// Latest returns the most recent attempt for unit, or ErrNotFound.
func (s *Store) Latest(unit string) (Attempt, error) {
	h, err := s.History(unit)
	if err != nil {
		return Attempt{}, err
	}
	a, ok := Latest(h)
	if !ok {
		return Attempt{}, fmt.Errorf("unit %s: %w", unit, ErrNotFound)
	}
	return a, nil
}

// RecordOutcome persists the terminal outcome of unit for o.RunID. A unit
// gets at most one outcome per run.
func (s *Store) RecordOutcome(unit string, o Outcome) (Outcome, error) {
	if unit == "" {
		return Outcome{}, errors.New("unit is required")
	}
	l := s.log(unit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.load(unit, l); err != nil {
		return Outcome{}, err
	}
	for _, prev := range l.outcomes {
		if o.RunID != "" && prev.RunID == o.RunID {
			return Outcome{}, fmt.Errorf("unit %s run %s: %w", unit, o.RunID, ErrOutcomeRecorded)
		}
	}

	o.Unit = unit
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.now().UTC()
	}
	if err := s.write(unit, l, Entry{Kind: EntryOutcome, Outcome: &o}); err != nil {
		return Outcome{}, err
	}
	l.outcomes = append(l.outcomes, o)
	return o, nil
}

// Outcome returns the most recently recorded outcome for unit, or ErrNotFound.
func (s *Store) Outcome(unit string) (Outcome, error) {
	l := s.log(unit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.load(unit, l); err != nil {
		return Outcome{}, err
	}
	if len(l.outcomes) == 0 {
		return Outcome{}, fmt.Errorf("unit %s: %w", unit, ErrNotFound)
	}
	return l.outcomes[len(l.outcomes)-1], nil
}

// Outcomes returns every outcome recorded for unit, oldest first.
func (s *Store) Outcomes(unit string) ([]Outcome, error) {
	l := s.log(unit)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.load(unit, l); err != nil {
		return nil, err
	}
	out := make([]Outcome, len(l.outcomes))
	copy(out, l.outcomes)
	return out, nil
}

// List returns the IDs of every unit with a journal, sorted.
func (s *Store) List() ([]string, error) {
	root := filepath.Join(s.baseDir, "units")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", root, err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var meta unitMeta
		if err := ReadJSON(filepath.Join(root, entry.Name(), "unit.json"), &meta); err != nil {
			continue // skip broken entries
		}
		ids = append(ids, meta.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
