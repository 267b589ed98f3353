package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/devghori1264/gpupool/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound aliases the domain sentinel so callers can match either.
var ErrNotFound = models.ErrNotFound

// Store is the durable boundary the engine needs from persistence.
// Kept minimal, allows swapping implementations.
type Store interface {
	SaveInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	GetInstanceByName(ctx context.Context, name string) (*models.Instance, error)
	ListInstances(ctx context.Context) ([]*models.Instance, error)

	SaveBooking(ctx context.Context, b *models.Booking) error
	// SaveBookingAndInstance commits both rows in a single transaction so a
	// ledger write can never land without its matching registry update.
	SaveBookingAndInstance(ctx context.Context, b *models.Booking, inst *models.Instance) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context) ([]*models.Booking, error)
	ListBookingsByInstance(ctx context.Context, instanceID string) ([]*models.Booking, error)
	ListBookingsByUser(ctx context.Context, userID string) ([]*models.Booking, error)

	SaveUsage(ctx context.Context, rec *models.UsageRecord) error
	GetUsage(ctx context.Context, scope models.UsageScope, key string) (*models.UsageRecord, error)

	SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	ListQueueEntries(ctx context.Context) ([]*models.QueueEntry, error)

	Close() error
}

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs for test clarity
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func instanceKey(id string) []byte    { return []byte("instance:" + id) }
func instanceNameKey(n string) []byte { return []byte("instancename:" + n) }
func bookingKey(id string) []byte     { return []byte("booking:" + id) }
func bookingInstKey(instanceID, id string) []byte {
	return []byte("bkinst:" + instanceID + ":" + id)
}
func bookingUserKey(userID, id string) []byte {
	return []byte("bkuser:" + userID + ":" + id)
}
func usageKey(scope models.UsageScope, key string) []byte {
	return []byte("usage:" + string(scope) + ":" + key)
}
func queueKey(id string) []byte { return []byte("queue:" + id) }

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

// scanJSON walks every value under a key prefix.
func scanJSON(txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func storeErr(err error) error {
	if err == nil || err == ErrNotFound {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
}

// ---------- instances ----------

func putInstance(txn *badger.Txn, inst *models.Instance) error {
	if err := setJSON(txn, instanceKey(inst.ID), inst); err != nil {
		return err
	}
	return txn.Set(instanceNameKey(inst.Name), []byte(inst.ID))
}

func (s *BadgerStore) SaveInstance(ctx context.Context, inst *models.Instance) error {
	return storeErr(s.db.Update(func(txn *badger.Txn) error {
		return putInstance(txn, inst)
	}))
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, instanceKey(id), &out)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &out, nil
}

func (s *BadgerStore) GetInstanceByName(ctx context.Context, name string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceNameKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		var id string
		if err := item.Value(func(v []byte) error {
			id = string(v)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, instanceKey(id), &out)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &out, nil
}

func (s *BadgerStore) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte("instance:"), func(v []byte) error {
			var inst models.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
			return nil
		})
	})
	return out, storeErr(err)
}

// ---------- bookings ----------

func putBooking(txn *badger.Txn, b *models.Booking) error {
	if err := setJSON(txn, bookingKey(b.ID), b); err != nil {
		return err
	}
	if err := txn.Set(bookingInstKey(b.InstanceID, b.ID), []byte(b.ID)); err != nil {
		return err
	}
	return txn.Set(bookingUserKey(b.UserID, b.ID), []byte(b.ID))
}

func (s *BadgerStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	return storeErr(s.db.Update(func(txn *badger.Txn) error {
		return putBooking(txn, b)
	}))
}

func (s *BadgerStore) SaveBookingAndInstance(ctx context.Context, b *models.Booking, inst *models.Instance) error {
	return storeErr(s.db.Update(func(txn *badger.Txn) error {
		if err := putBooking(txn, b); err != nil {
			return err
		}
		return putInstance(txn, inst)
	}))
}

func (s *BadgerStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var out models.Booking
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, bookingKey(id), &out)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &out, nil
}

func (s *BadgerStore) ListBookings(ctx context.Context) ([]*models.Booking, error) {
	var out []*models.Booking
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte("booking:"), func(v []byte) error {
			var b models.Booking
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, storeErr(err)
}

func (s *BadgerStore) listBookingsByIndex(prefix []byte) ([]*models.Booking, error) {
	var out []*models.Booking
	err := s.db.View(func(txn *badger.Txn) error {
		var ids []string
		if err := scanJSON(txn, prefix, func(v []byte) error {
			ids = append(ids, string(v))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			var b models.Booking
			if err := getJSON(txn, bookingKey(id), &b); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	return out, storeErr(err)
}

func (s *BadgerStore) ListBookingsByInstance(ctx context.Context, instanceID string) ([]*models.Booking, error) {
	return s.listBookingsByIndex([]byte("bkinst:" + instanceID + ":"))
}

func (s *BadgerStore) ListBookingsByUser(ctx context.Context, userID string) ([]*models.Booking, error) {
	return s.listBookingsByIndex([]byte("bkuser:" + userID + ":"))
}

// ---------- usage ----------

func (s *BadgerStore) SaveUsage(ctx context.Context, rec *models.UsageRecord) error {
	return storeErr(s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, usageKey(rec.Scope, rec.Key), rec)
	}))
}

func (s *BadgerStore) GetUsage(ctx context.Context, scope models.UsageScope, key string) (*models.UsageRecord, error) {
	var out models.UsageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, usageKey(scope, key), &out)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &out, nil
}

// ---------- queue ----------

func (s *BadgerStore) SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	return storeErr(s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, queueKey(e.ID), e)
	}))
}

func (s *BadgerStore) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	var out models.QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, queueKey(id), &out)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &out, nil
}

func (s *BadgerStore) ListQueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, []byte("queue:"), func(v []byte) error {
			var e models.QueueEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, storeErr(err)
}
