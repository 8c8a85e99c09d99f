// Package redisstream implements the broker contracts on Redis Streams via rueidis.
//
// Every topic partition is its own stream. All partitions of a topic share a hash
// slot so that one XREADGROUP can block on several of them in a cluster.
package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/ecommerce-outbox/internal/broker"
)

const (
	fieldKey       = "key"
	fieldValue     = "value"
	fieldMessageID = "mid"
	headerPrefix   = "h:"
)

// StreamKey names the stream of one topic partition.
func StreamKey(topic string, partition int) string {
	return fmt.Sprintf("stream:{%s}:%d", topic, partition)
}

func dedupKey(topic, messageID string) string {
	return fmt.Sprintf("stream:{%s}:dedup:%s", topic, messageID)
}

func encodeFields(msg *broker.Message, messageID string) []string {
	fields := make([]string, 0, 6+2*len(msg.Headers))
	fields = append(fields,
		fieldKey, msg.Key,
		fieldValue, string(msg.Value),
		fieldMessageID, messageID,
	)
	for name, value := range msg.Headers {
		fields = append(fields, headerPrefix+name, value)
	}

	return fields
}

func decodeEntry(topic string, partition int, entry rueidis.XRangeEntry) *broker.Delivery {
	d := &broker.Delivery{
		Topic:     topic,
		Partition: partition,
		Offset:    entry.ID,
		Key:       entry.FieldValues[fieldKey],
		Value:     []byte(entry.FieldValues[fieldValue]),
		Timestamp: entryTime(entry.ID),
	}
	for field, value := range entry.FieldValues {
		if name, ok := strings.CutPrefix(field, headerPrefix); ok {
			if d.Headers == nil {
				d.Headers = make(map[string]string)
			}
			d.Headers[name] = value
		}
	}

	return d
}

// entryTime extracts the millisecond part of a stream entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(n)
}

func redisErrPrefix(err error, prefix string) bool {
	re, ok := rueidis.IsRedisErr(err)

	return ok && strings.HasPrefix(re.Error(), prefix)
}
