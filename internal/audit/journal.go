package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is a hash-chained append-only file of audit events. Each record
// carries the checksum of its predecessor, so truncation or rewriting of
// earlier records is detectable.
type Journal struct {
	path     string
	mu       sync.Mutex
	lastHash string
}

// journalRecord is the on-disk form, one JSON object per line
type journalRecord struct {
	Event    Event  `json:"event"`
	PrevHash string `json:"prev_hash"`
	Checksum string `json:"checksum"`
}

// OpenJournal opens or creates the journal file and recovers the chain tail
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{path: path}
	records, err := j.readAll()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(records) > 0 {
		j.lastHash = records[len(records)-1].Checksum
	}
	return j, nil
}

// Append adds the event to the chain
func (j *Journal) Append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	record := journalRecord{Event: event, PrevHash: j.lastHash}
	record.Checksum = checksumOf(record.Event, record.PrevHash)

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	j.lastHash = record.Checksum
	return nil
}

// Verify walks the chain and reports the first broken link, if any
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := j.readAll()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	prev := ""
	for i, record := range records {
		if record.PrevHash != prev {
			return fmt.Errorf("journal chain broken at record %d", i)
		}
		if checksumOf(record.Event, record.PrevHash) != record.Checksum {
			return fmt.Errorf("journal record %d checksum mismatch", i)
		}
		prev = record.Checksum
	}
	return nil
}

// Len returns the number of records in the journal
func (j *Journal) Len() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := j.readAll()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(records), nil
}

func (j *Journal) readAll() ([]journalRecord, error) {
	file, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []journalRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record journalRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("corrupt journal line: %w", err)
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

func checksumOf(event Event, prevHash string) string {
	payload, _ := json.Marshal(event)
	sum := sha256.Sum256(append(payload, []byte(prevHash)...))
	return hex.EncodeToString(sum[:])
}
