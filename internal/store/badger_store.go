package store

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const (
	reportPrefix = "report/"
	tracePrefix  = "trace/"
)

// BadgerStore implements Store on an embedded badger database. Reports are
// kept under report/<id> and traces under trace/<id>, both as JSON.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryBadgerStore opens a database that lives only in memory.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) SaveReport(r *Report) error {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(reportPrefix+r.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	slog.Debug("Report saved", "id", r.ID, "backend", "badger")
	return nil
}

func (s *BadgerStore) LoadReport(id string) (*Report, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reportPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize report: %w", err)
	}
	return &r, nil
}

func (s *BadgerStore) ListReports() ([]ReportInfo, error) {
	infos := []ReportInfo{}
	traceSizes := map[string]int64{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(tracePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			traceSizes[string(item.Key()[len(tracePrefix):])] = item.ValueSize()
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(reportPrefix)
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var r Report
				if err := json.Unmarshal(val, &r); err != nil {
					slog.Warn("Failed to decode report for listing", "key", string(item.Key()), "error", err)
					return nil
				}
				info := r.ToInfo()
				info.SizeBytes = int64(len(val)) + traceSizes[r.ID]
				infos = append(infos, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	sortNewestFirst(infos)
	return infos, nil
}

func (s *BadgerStore) DeleteReport(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(reportPrefix + id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(reportPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(tracePrefix + id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	slog.Debug("Report deleted", "id", id, "backend", "badger")
	return nil
}

func (s *BadgerStore) SaveTrace(id string, entries []TraceEntry) error {
	if id == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if entries == nil {
		entries = []TraceEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize trace: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tracePrefix+id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}
	return nil
}

func (s *BadgerStore) LoadTrace(id string) ([]TraceEntry, error) {
	var data []byte
	var hasReport bool
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(reportPrefix + id)); err == nil {
			hasReport = true
		}
		item, err := txn.Get([]byte(tracePrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		if hasReport {
			return []TraceEntry{}, nil
		}
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}

	entries := []TraceEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to deserialize trace: %w", err)
	}
	return entries, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
