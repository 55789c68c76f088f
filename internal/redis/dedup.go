package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultDedupWindow is the suppression span for a repeat send of the
// same (user, email type) pair when the catalog has no per-type
// override.
const DefaultDedupWindow = 24 * time.Hour

// DedupService tracks "was this email type sent to this user recently"
// with TTL-bounded markers. It is a fail-open cache, not a source of
// truth: callers treat every error as "not sent recently". Two
// concurrent events can both miss the marker in the window between
// check and MarkSent — an accepted race, documented at the call site.
type DedupService struct {
	client *Client
	logger *zap.Logger
}

// NewDedupService creates a new dedup service.
func NewDedupService(client *Client, logger *zap.Logger) *DedupService {
	return &DedupService{
		client: client,
		logger: logger,
	}
}

func (s *DedupService) buildKey(userID, emailType string) string {
	return fmt.Sprintf("dedup:%s:%s", userID, emailType)
}

// LastSent returns the time the marker was written, or nil when no
// marker exists (never sent, or the window expired).
func (s *DedupService) LastSent(ctx context.Context, userID, emailType string) (*time.Time, error) {
	key := s.buildKey(userID, emailType)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Warn("malformed dedup marker, treating as absent",
			zap.String("key", key),
			zap.String("value", val),
		)
		return nil, nil
	}

	t := time.Unix(epoch, 0)
	return &t, nil
}

// MarkSent writes the dedup marker with the type's window as TTL.
// Called after a successful enqueue; failure here is logged by the
// caller and not propagated.
func (s *DedupService) MarkSent(ctx context.Context, userID, emailType string, window time.Duration) error {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	key := s.buildKey(userID, emailType)
	epoch := strconv.FormatInt(time.Now().Unix(), 10)

	if err := s.client.rdb.Set(ctx, key, epoch, window).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}
