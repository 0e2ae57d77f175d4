package fs

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/zeebo/blake3"
)

// JournalPath is the change journal location inside the project root.
var JournalPath = path.Join(StateDir, "journal.jsonl")

// JournalEntry is one applied change.
type JournalEntry struct {
	Time      time.Time `json:"time"`
	Cycle     string    `json:"cycle"`
	Action    Action    `json:"action"`
	Path      string    `json:"path"`
	Hash      string    `json:"hash,omitempty"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	Backup    string    `json:"backup,omitempty"`
}

// ContentHash returns the hex blake3 digest of content.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (fs *FileSystem) record(cycleID string, out Outcome) error {
	if out.Noop {
		return nil
	}
	entry := JournalEntry{
		Time:      fs.clock().UTC(),
		Cycle:     cycleID,
		Action:    out.Op.Action,
		Path:      out.Op.Path,
		Additions: out.Additions,
		Deletions: out.Deletions,
		Backup:    out.BackupPath,
	}
	if out.Op.Action != Delete {
		entry.Hash = ContentHash(out.Op.Content)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error encoding journal entry: %w", err)
	}

	if err := fs.Fs.MkdirAll(StateDir, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", StateDir, err)
	}
	f, err := fs.Fs.OpenFile(JournalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("error writing journal: %w", err)
	}
	return nil
}

// ReadJournal returns the last limit journal entries, oldest first. limit <= 0 returns all.
func (fs *FileSystem) ReadJournal(limit int) ([]JournalEntry, error) {
	return fs.readJournal(limit, nil)
}

// FileHistory returns the last limit journal entries that touched p, oldest
// first. p is cleaned the way operation paths are before matching.
func (fs *FileSystem) FileHistory(p string, limit int) ([]JournalEntry, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return fs.readJournal(limit, func(e JournalEntry) bool {
		return path.Clean(e.Path) == clean
	})
}

func (fs *FileSystem) readJournal(limit int, keep func(JournalEntry) bool) ([]JournalEntry, error) {
	f, err := fs.Fs.Open(JournalPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("error decoding journal line %d: %w", n, err)
		}
		if keep == nil || keep(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading journal: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
