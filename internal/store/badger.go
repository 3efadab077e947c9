package store

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"examgate/internal/exam"
)

var badgerPrefix = []byte("session/")

// OpenBadger opens an embedded badger database in dir. An empty dir opens an
// in-memory instance.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}

// BadgerSessions keeps session records in an embedded badger database.
// Badger's serializable transactions reject a commit whose read set changed,
// which backs the version check.
type BadgerSessions struct {
	db *badger.DB
}

// NewBadgerSessions wraps an open badger database.
func NewBadgerSessions(db *badger.DB) *BadgerSessions {
	return &BadgerSessions{db: db}
}

func badgerKey(id string) []byte {
	return append(append([]byte{}, badgerPrefix...), id...)
}

func (b *BadgerSessions) Create(_ context.Context, s *exam.Session) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(s.ID))
		if err == nil {
			return exists(s.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(badgerKey(s.ID), body)
	})
	return b.wrap(err)
}

func (b *BadgerSessions) Get(_ context.Context, id string) (*exam.Session, error) {
	var body []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return decode(body)
}

func (b *BadgerSessions) Save(_ context.Context, s *exam.Session, expected int64) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(s.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound(s.ID)
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version, err := storedVersion(cur)
		if err != nil {
			return err
		}
		if version != expected {
			return conflict(s.ID, expected)
		}
		return txn.Set(badgerKey(s.ID), body)
	})
	if errors.Is(err, badger.ErrConflict) {
		return conflict(s.ID, expected)
	}
	return b.wrap(err)
}

func (b *BadgerSessions) List(_ context.Context) ([]*exam.Session, error) {
	out := []*exam.Session{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
			body, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			s, err := decode(body)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortSessions(out)
	return out, nil
}

// wrap passes domain errors through and marks everything else as a store failure.
func (b *BadgerSessions) wrap(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{exam.ErrNotFound, exam.ErrConcurrentModification, exam.ErrInvalidArgument, exam.ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	return unavailable(err)
}
