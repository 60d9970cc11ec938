package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loykin/dspyvisor/internal/history"
)

// DefaultStream is the stream key used when the DSN names none.
const DefaultStream = "dspyvisor:history"

// Sink appends history events to a Redis stream. Each entry carries the
// JSON-encoded event under the "data" field.
type Sink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// New connects using a redis:// or rediss:// URL. The optional "stream"
// query parameter selects the stream key.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty Redis DSN")
	}
	stream := DefaultStream
	if i := strings.Index(dsn, "?"); i >= 0 {
		q := dsn[i+1:]
		var keep []string
		for _, kv := range strings.Split(q, "&") {
			if v, ok := strings.CutPrefix(kv, "stream="); ok {
				if v != "" {
					stream = v
				}
				continue
			}
			if kv != "" {
				keep = append(keep, kv)
			}
		}
		dsn = dsn[:i]
		if len(keep) > 0 {
			dsn += "?" + strings.Join(keep, "&")
		}
	}
	opts, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Sink{client: client, stream: stream, maxLen: 10000}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, stream string) *Sink {
	if stream == "" {
		stream = DefaultStream
	}
	return &Sink{client: client, stream: stream, maxLen: 10000}
}

// Stream returns the stream key events are written to.
func (s *Sink) Stream() string { return s.stream }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":   string(e.Type),
			"worker": e.Record.Name,
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Recent reads up to count entries, oldest first.
func (s *Sink) Recent(ctx context.Context, count int64) ([]history.Event, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["data"].(string)
		var e history.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}
