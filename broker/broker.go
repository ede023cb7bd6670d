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

// Package broker is the partitioned, at-least-once log transfers travel on.
// A topic is split into a fixed number of partitions and every key always
// lands on the same partition, so events for one source account keep their
// relative order.
package broker

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Message is one delivered entry. Offset is opaque to callers and only
// meaningful to the broker that produced it.
type Message struct {
	Topic     string
	Partition int
	Offset    string
	Key       string
	Payload   []byte
	Headers   map[string]string
}

// Delivery is where a sent message was stored.
type Delivery struct {
	Topic     string
	Partition int
	Offset    string
}

type Producer interface {
	Send(ctx context.Context, topic, key string, payload []byte, headers map[string]string) (Delivery, error)
}

// Consumer reads one partition at a time. Entries returned by Fetch are
// redelivered until acked, including after a restart.
type Consumer interface {
	Fetch(ctx context.Context, topic string, partition int) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Partitions() int
}

// DeadLetterReader lists quarantined entries for inspection.
type DeadLetterReader interface {
	ReadDeadLetters(ctx context.Context, topic string, limit int64) ([]Message, error)
}

type Broker interface {
	Producer
	Consumer
	DeadLetterReader
}

// Partition maps a key onto [0, partitions) with 32-bit FNV-1a.
func Partition(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(partitions))
}

// StreamName is the storage name of one partition of a topic.
func StreamName(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}
