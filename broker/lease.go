package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	redlock "github.com/jerry-enebeli/remit/internal/lock"
)

// ErrPartitionOwned is returned by AcquirePartition while another consumer
// holds the partition's lease.
var ErrPartitionOwned = errors.New("partition is owned by another consumer")

// Lease is exclusive ownership of one partition. It lapses unless renewed
// within TTL.
type Lease interface {
	TTL() time.Duration
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// PartitionLeaser is implemented by consumers shared between processes. A
// partition must only be fetched while its lease is held.
type PartitionLeaser interface {
	AcquirePartition(ctx context.Context, topic string, partition int) (Lease, error)
}

type partitionLease struct {
	locker *redlock.Locker
	ttl    time.Duration
}

func (l *partitionLease) TTL() time.Duration {
	return l.ttl
}

func (l *partitionLease) Renew(ctx context.Context) error {
	return l.locker.ExtendLock(ctx, l.ttl)
}

func (l *partitionLease) Release(ctx context.Context) error {
	return l.locker.Unlock(ctx)
}

// LeaseKey is the Redis key guarding one partition of topic.
func LeaseKey(topic string, partition int) string {
	return fmt.Sprintf("remit:partition:%s", StreamName(topic, partition))
}

// AcquirePartition takes the partition's lease and moves every entry still
// pending under another consumer name to this consumer, so the next Fetch
// replays them in id order before reading new entries.
func (r *RedisStreams) AcquirePartition(ctx context.Context, topic string, partition int) (Lease, error) {
	stream := StreamName(topic, partition)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	locker := redlock.NewLocker(r.client, LeaseKey(topic, partition), r.consumer+":"+uuid.NewString())
	if err := locker.Lock(ctx, r.leaseTTL); err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			return nil, errors.Wrap(ErrPartitionOwned, stream)
		}
		return nil, errors.Wrapf(err, "failed to lease %s", stream)
	}
	lease := &partitionLease{locker: locker, ttl: r.leaseTTL}

	if err := r.reclaim(ctx, stream); err != nil {
		if unlockErr := lease.Release(ctx); unlockErr != nil {
			logrus.Warnf("failed to release lease on %s: %v", stream, unlockErr)
		}
		return nil, err
	}

	r.mu.Lock()
	r.drained[stream] = false
	r.mu.Unlock()
	return lease, nil
}

// reclaim takes over the pending entries of previous owners. Holding the
// lease makes every other consumer's entries stale, so no idle floor is
// applied.
func (r *RedisStreams) reclaim(ctx context.Context, stream string) error {
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.group,
			Consumer: r.consumer,
			Start:    start,
			Count:    r.batchSize,
		}).Result()
		if err != nil {
			return errors.Wrapf(err, "failed to reclaim pending entries on %s", stream)
		}
		if len(msgs) > 0 {
			logrus.Infof("reclaimed %d pending entries on %s for %s", len(msgs), stream, r.consumer)
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}
