// pkg/redisstore/interface.go
package redisstore

import (
	"context"
	"time"
)

// Store описывает контракт общего хранилища (рыночные записи, результаты
// команд, health-ключ) и канала команд.
type Store interface {
	// Get возвращает значение по ключу или ErrNotFound, если нет.
	// Ошибки соединения и пр. возвращаются как error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set сохраняет значение по ключу с TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX сохраняет значение только если ключ отсутствует.
	// Возвращает true, если запись произошла.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// MGet возвращает найденные значения по ключам; отсутствующие пропускаются.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	// ScanKeys перечисляет ключи по шаблону (SCAN, не KEYS).
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// Delete удаляет ключ.
	Delete(ctx context.Context, key string) error
	// Publish публикует payload в pub/sub канал.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe подписывается на канал. Возвращённый канал закрывается
	// при отмене ctx или вызове функции отмены подписки.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
	// Close закрывает клиент и освобождает ресурсы.
	Close() error
}
