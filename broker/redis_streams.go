/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package broker

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
	headerPrefix = "h:"
)

// RedisStreams implements Broker on Redis Streams. Each partition is a
// stream read through a consumer group; XACK is the acknowledgement and the
// group's pending entries list is the redelivery mechanism. The group alone
// would spread one stream across consumers, so a partition is only read by
// the holder of its lease (see AcquirePartition).
type RedisStreams struct {
	client     redis.UniversalClient
	partitions int
	group      string
	consumer   string
	batchSize  int64
	block      time.Duration
	leaseTTL   time.Duration

	mu      sync.Mutex
	groups  map[string]bool
	drained map[string]bool
}

type Options struct {
	Partitions int
	Group      string
	Consumer   string
	BatchSize  int64
	Block      time.Duration
	// LeaseTTL bounds how long a crashed owner keeps its partitions.
	LeaseTTL time.Duration
}

func NewRedisStreams(client redis.UniversalClient, opts Options) *RedisStreams {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	// a zero block would wait forever
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	return &RedisStreams{
		client:     client,
		partitions: opts.Partitions,
		group:      opts.Group,
		consumer:   opts.Consumer,
		batchSize:  opts.BatchSize,
		block:      opts.Block,
		leaseTTL:   opts.LeaseTTL,
		groups:     make(map[string]bool),
		drained:    make(map[string]bool),
	}
}

func (r *RedisStreams) Partitions() int {
	return r.partitions
}

// Send appends payload to the partition owning key.
func (r *RedisStreams) Send(ctx context.Context, topic, key string, payload []byte, headers map[string]string) (Delivery, error) {
	partition := Partition(key, r.partitions)
	stream := StreamName(topic, partition)

	values := map[string]interface{}{
		fieldKey:     key,
		fieldPayload: string(payload),
	}
	for name, value := range headers {
		values[headerPrefix+name] = value
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return Delivery{}, errors.Wrapf(err, "failed to append to %s", stream)
	}
	return Delivery{Topic: topic, Partition: partition, Offset: id}, nil
}

func (r *RedisStreams) ensureGroup(ctx context.Context, stream string) error {
	r.mu.Lock()
	done := r.groups[stream]
	r.mu.Unlock()
	if done {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "failed to create consumer group %s on %s", r.group, stream)
	}

	r.mu.Lock()
	r.groups[stream] = true
	r.mu.Unlock()
	return nil
}

// Fetch returns the next batch for one partition. After a restart the first
// calls replay entries this consumer received but never acked, then it
// switches to new entries and waits up to the block interval for them.
func (r *RedisStreams) Fetch(ctx context.Context, topic string, partition int) ([]Message, error) {
	stream := StreamName(topic, partition)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	r.mu.Lock()
	replay := !r.drained[stream]
	r.mu.Unlock()

	if replay {
		msgs, err := r.read(ctx, topic, partition, "0", 0)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		r.mu.Lock()
		r.drained[stream] = true
		r.mu.Unlock()
	}
	return r.read(ctx, topic, partition, ">", r.block)
}

func (r *RedisStreams) read(ctx context.Context, topic string, partition int, id string, block time.Duration) ([]Message, error) {
	stream := StreamName(topic, partition)
	args := &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{stream, id},
		Count:    r.batchSize,
		Block:    block,
	}
	if block <= 0 {
		args.Block = -1
	}

	res, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", stream)
	}

	var msgs []Message
	for _, s := range res {
		for _, entry := range s.Messages {
			if entry.Values == nil {
				// trimmed while pending, nothing left to process
				logrus.Warnf("dropping trimmed entry %s on %s", entry.ID, stream)
				if err := r.client.XAck(ctx, stream, r.group, entry.ID).Err(); err != nil {
					logrus.Errorf("failed to ack trimmed entry %s on %s: %v", entry.ID, stream, err)
				}
				continue
			}
			msgs = append(msgs, toMessage(topic, partition, entry))
		}
	}
	return msgs, nil
}

func toMessage(topic string, partition int, entry redis.XMessage) Message {
	msg := Message{
		Topic:     topic,
		Partition: partition,
		Offset:    entry.ID,
		Headers:   make(map[string]string),
	}
	for field, raw := range entry.Values {
		value, _ := raw.(string)
		switch {
		case field == fieldKey:
			msg.Key = value
		case field == fieldPayload:
			msg.Payload = []byte(value)
		case strings.HasPrefix(field, headerPrefix):
			msg.Headers[strings.TrimPrefix(field, headerPrefix)] = value
		}
	}
	return msg
}

func (r *RedisStreams) Ack(ctx context.Context, msg Message) error {
	stream := StreamName(msg.Topic, msg.Partition)
	if err := r.client.XAck(ctx, stream, r.group, msg.Offset).Err(); err != nil {
		return errors.Wrapf(err, "failed to ack %s on %s", msg.Offset, stream)
	}
	return nil
}

// ReadDeadLetters returns up to limit of the newest entries across every
// partition of topic, newest first.
func (r *RedisStreams) ReadDeadLetters(ctx context.Context, topic string, limit int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	for p := 0; p < r.partitions; p++ {
		stream := StreamName(topic, p)
		entries, err := r.client.XRevRangeN(ctx, stream, "+", "-", limit).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", stream)
		}
		for _, entry := range entries {
			msgs = append(msgs, toMessage(topic, p, entry))
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return compareEntryIDs(msgs[i].Offset, msgs[j].Offset) > 0
	})
	if int64(len(msgs)) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// compareEntryIDs orders "<ms>-<seq>" stream ids numerically.
func compareEntryIDs(a, b string) int {
	am, as := splitEntryID(a)
	bm, bs := splitEntryID(b)
	switch {
	case am != bm:
		if am < bm {
			return -1
		}
		return 1
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

func splitEntryID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}

var (
	_ Broker          = (*RedisStreams)(nil)
	_ PartitionLeaser = (*RedisStreams)(nil)
)
