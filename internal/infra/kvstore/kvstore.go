// Package kvstore — персистентное key/value хранилище поверх bbolt.
// Используется движком быстрых ответов для снапшота состояния: один бакет,
// операции Get/Set/Erase. Отсутствующий ключ — не ошибка (возвращается nil).
// Файл открывается с таймаутом, чтобы второй процесс не зависал на flock.
package kvstore

import (
	"time"

	"quickreply-sync/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// bucketName — единственный бакет хранилища. Ключи — строки, значения — произвольные байты.
var bucketName = []byte("kv")

// openTimeout ограничивает ожидание файловой блокировки bbolt.
const openTimeout = time.Second

// Store — обёртка над bbolt.DB с одним бакетом.
type Store struct {
	db *bbolt.DB
}

// Open открывает (или создаёт) файл хранилища и гарантирует наличие бакета.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "ensure kvstore dir")
	}
	db, err := bbolt.Open(path, storage.DefaultFilePerm, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open kvstore")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(bucketName)
		return errBucket
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create kvstore bucket")
	}
	return &Store{db: db}, nil
}

// Get возвращает значение ключа или nil, если ключа нет.
// Срез копируется: данные bbolt валидны только внутри транзакции.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw != nil {
			value = make([]byte, len(raw))
			copy(value, raw)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvstore get")
	}
	return value, nil
}

// Set записывает значение ключа. Транзакция bbolt атомарна и fsync'ается.
func (s *Store) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(err, "kvstore set")
	}
	return nil
}

// Erase удаляет ключ. Удаление отсутствующего ключа — no-op.
func (s *Store) Erase(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, "kvstore erase")
	}
	return nil
}

// Close закрывает файл базы. Повторный вызов вернёт ошибку bbolt.
func (s *Store) Close() error {
	return s.db.Close()
}
