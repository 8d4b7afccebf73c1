// internal/command/client.go
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

// ErrResultTimeout — результат команды не появился в отведённое время.
var ErrResultTimeout = errors.New("command: timed out waiting for result")

// Client — отправитель команд. Используется внешними процессами и
// интеграционными тестами; движок сам его не трогает.
type Client struct {
	cfg   Config
	store redisstore.Store
}

// NewClient создаёт отправителя с той же схемой канала и ключей.
func NewClient(cfg Config, store redisstore.Store) *Client {
	cfg.ApplyDefaults()
	return &Client{cfg: cfg, store: store}
}

// Send публикует команду и возвращает её id для ожидания результата.
// Пустой cmd.ID заполняется автоматически.
func (c *Client) Send(ctx context.Context, cmd Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	if err := c.store.Publish(ctx, c.cfg.Channel, data); err != nil {
		return "", fmt.Errorf("publish command: %w", err)
	}
	return cmd.ID, nil
}

// WaitResult опрашивает ключ результата до его появления либо отмены ctx.
func (c *Client) WaitResult(ctx context.Context, id string) (*Result, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		raw, err := c.store.Get(ctx, c.cfg.ResultKeyPrefix+id)
		switch {
		case err == nil:
			var res Result
			if err := json.Unmarshal(raw, &res); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
			return &res, nil
		case errors.Is(err, redisstore.ErrNotFound):
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ErrResultTimeout
		case <-ticker.C:
		}
	}
}
