package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// FileJournal stores one JSON entry per line and fsyncs after every append.
// Durable across server restarts; not durable beyond machine failure.
type FileJournal struct {
	path string
	file *os.File
	seq  uint64
}

// MakeFileJournal opens or creates the journal at path, creating parent
// directories as needed, and scans any existing entries so new appends
// continue the sequence.
func MakeFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "creating journal directory for %s", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s", path)
	}

	j := &FileJournal{path: path, file: file}
	entries, err := j.Entries()
	if err != nil {
		file.Close()
		return nil, err
	}
	if n := len(entries); n > 0 {
		j.seq = entries[n-1].Seq
	}
	return j, nil
}

// Append assigns the next sequence number, writes the entry and syncs
// before returning. A failed append leaves the sequence untouched.
func (j *FileJournal) Append(entry *Entry) error {
	entry.Seq = j.seq + 1
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "marshaling journal entry %d", entry.Seq)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return errors.Wrapf(err, "appending journal entry %d", entry.Seq)
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrapf(err, "syncing journal entry %d", entry.Seq)
	}
	j.seq = entry.Seq
	return nil
}

// Entries reads the whole journal back in order. A line that does not parse
// makes the journal corrupted; we fail rather than guess at state.
func (j *FileJournal) Entries() ([]Entry, error) {
	file, err := os.Open(j.path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s for replay", j.path)
	}
	defer file.Close()

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(file)
	// Entries holding matrix definitions can outgrow the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, NewCorruptedJournalError(line, "%v", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading journal %s", j.path)
	}
	return entries, nil
}

func (j *FileJournal) Close() error {
	return j.file.Close()
}
