package journal

import (
	"sync"
	"time"
)

// MemJournal keeps entries in memory. For tests and throwaway servers;
// nothing survives a restart.
type MemJournal struct {
	mutex   sync.RWMutex
	entries []Entry
}

func MakeMemJournal() *MemJournal {
	return &MemJournal{}
}

func (j *MemJournal) Append(entry *Entry) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	entry.Seq = uint64(len(j.entries)) + 1
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *MemJournal) Entries() ([]Entry, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	entries := make([]Entry, len(j.entries))
	copy(entries, j.entries)
	return entries, nil
}

func (j *MemJournal) Close() error {
	return nil
}
