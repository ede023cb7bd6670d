package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLeaseTTL = 2 * time.Second

func newSharedStreams(client redis.UniversalClient, consumer string) *RedisStreams {
	return NewRedisStreams(client, Options{
		Partitions: 2,
		Group:      "banking-group",
		Consumer:   consumer,
		BatchSize:  1,
		Block:      50 * time.Millisecond,
		LeaseTTL:   testLeaseTTL,
	})
}

func newLeaseTest(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func payloads(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, string(msg.Payload))
	}
	return out
}

func TestAcquirePartition_IsExclusive(t *testing.T) {
	ctx := context.Background()
	_, client := newLeaseTest(t)
	hostA := newSharedStreams(client, "host-a")
	hostB := newSharedStreams(client, "host-b")
	p := Partition("ACC1", 2)

	lease, err := hostA.AcquirePartition(ctx, "payments", p)
	require.NoError(t, err)
	assert.Equal(t, testLeaseTTL, lease.TTL())

	_, err = hostB.AcquirePartition(ctx, "payments", p)
	assert.ErrorIs(t, err, ErrPartitionOwned)

	// the other partition is free
	other, err := hostB.AcquirePartition(ctx, "payments", 1-p)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))
	assert.Error(t, lease.Renew(ctx))

	taken, err := hostB.AcquirePartition(ctx, "payments", p)
	require.NoError(t, err)
	require.NoError(t, taken.Release(ctx))
}

func TestAcquirePartition_KeepsOneReaderPerPartition(t *testing.T) {
	ctx := context.Background()
	_, client := newLeaseTest(t)
	hostA := newSharedStreams(client, "host-a")
	hostB := newSharedStreams(client, "host-b")
	p := Partition("ACC1", 2)

	for i := 0; i < 2; i++ {
		_, err := hostA.Send(ctx, "payments", "ACC1", []byte(fmt.Sprintf("event-%d", i)), nil)
		require.NoError(t, err)
	}

	_, err := hostA.AcquirePartition(ctx, "payments", p)
	require.NoError(t, err)
	msgs, err := hostA.Fetch(ctx, "payments", p)
	require.NoError(t, err)
	assert.Equal(t, []string{"event-0"}, payloads(msgs))

	// host-b stands by while host-a works on event-0
	_, err = hostB.AcquirePartition(ctx, "payments", p)
	require.ErrorIs(t, err, ErrPartitionOwned)
}

func TestAcquirePartition_ReclaimsEntriesOfCrashedOwner(t *testing.T) {
	ctx := context.Background()
	mr, client := newLeaseTest(t)
	hostA := newSharedStreams(client, "host-a")
	hostB := newSharedStreams(client, "host-b")
	p := Partition("ACC1", 2)

	for i := 0; i < 3; i++ {
		_, err := hostA.Send(ctx, "payments", "ACC1", []byte(fmt.Sprintf("event-%d", i)), nil)
		require.NoError(t, err)
	}

	_, err := hostA.AcquirePartition(ctx, "payments", p)
	require.NoError(t, err)
	msgs, err := hostA.Fetch(ctx, "payments", p)
	require.NoError(t, err)
	require.Equal(t, []string{"event-0"}, payloads(msgs))

	// host-a dies without acking and its lease runs out
	mr.FastForward(testLeaseTTL + time.Second)

	lease, err := hostB.AcquirePartition(ctx, "payments", p)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName("payments", p),
		Group:  "banking-group",
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "host-b", pending[0].Consumer)

	var seen []string
	for len(seen) < 3 {
		msgs, err := hostB.Fetch(ctx, "payments", p)
		require.NoError(t, err)
		for _, msg := range msgs {
			seen = append(seen, string(msg.Payload))
			require.NoError(t, hostB.Ack(ctx, msg))
		}
	}
	assert.Equal(t, []string{"event-0", "event-1", "event-2"}, seen)
}
