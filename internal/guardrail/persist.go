package guardrail

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const cooldownPrefix = "cooldown/"

// CooldownStore persists cooldown stamps across restarts.
type CooldownStore interface {
	SaveCooldown(key string, at time.Time) error
	LoadCooldowns() (map[string]time.Time, error)
	Close() error
}

type cooldownStamp struct {
	Key    string `cbor:"1,keyasint"`
	AtNano int64  `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("guardrail: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("guardrail: CBOR decoder initialization failed: " + err.Error())
	}
}

// BadgerStore keeps cooldown stamps in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (or creates) the store under dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("guardrail: create state directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("guardrail: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// SaveCooldown writes the stamp for key.
func (b *BadgerStore) SaveCooldown(key string, at time.Time) error {
	val, err := encMode.Marshal(cooldownStamp{Key: key, AtNano: at.UnixNano()})
	if err != nil {
		return fmt.Errorf("guardrail: encode cooldown: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cooldownPrefix+key), val)
	})
	if err != nil {
		return fmt.Errorf("guardrail: save cooldown %s: %w", key, err)
	}
	return nil
}

// LoadCooldowns returns every stored stamp.
func (b *BadgerStore) LoadCooldowns() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(cooldownPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var s cooldownStamp
				if err := decMode.Unmarshal(val, &s); err != nil {
					return err
				}
				if s.Key == "" {
					s.Key = strings.TrimPrefix(string(item.Key()), cooldownPrefix)
				}
				out[s.Key] = time.Unix(0, s.AtNano).UTC()
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("guardrail: load cooldowns: %w", err)
	}
	return out, nil
}

// Prune deletes stamps older than cutoff, returning how many went.
func (b *BadgerStore) Prune(cutoff time.Time) (int, error) {
	stamps, err := b.LoadCooldowns()
	if err != nil {
		return 0, err
	}
	n := 0
	err = b.db.Update(func(txn *badger.Txn) error {
		for k, at := range stamps {
			if at.Before(cutoff) {
				if err := txn.Delete([]byte(cooldownPrefix + k)); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("guardrail: prune cooldowns: %w", err)
	}
	return n, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
