package streamcore

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/streamlane-io/streamcore/checkpoint"
)

// StreamType selects shard-id vs event-id batch-keying and the record-shape
// expectations that go with each upstream.
type StreamType int

const (
	// StreamKinesis batches are keyed by shard id unless the caller forces
	// event-id keying via Config.BatchKeyedOnEventID.
	StreamKinesis StreamType = iota
	// StreamDynamoDB batches are always keyed by event id, and the hash
	// key embeds a stream timestamp separator.
	StreamDynamoDB
)

func (t StreamType) String() string {
	switch t {
	case StreamKinesis:
		return "kinesis"
	case StreamDynamoDB:
		return "dynamodb"
	default:
		return "unknown"
	}
}

// BuildStreamConsumerID constructs the checkpoint hash key:
// "{K|D}|{streamName}|{consumerId}", with DynamoDB streams additionally
// embedding a timestamp separator as "{tableName}/{streamTimestamp}".
func BuildStreamConsumerID(streamType StreamType, streamName, consumerID, streamTimestamp string) string {
	prefix := "K"
	name := streamName
	if streamType == StreamDynamoDB {
		prefix = "D"
		if streamTimestamp != "" {
			name = fmt.Sprintf("%s/%s", streamName, streamTimestamp)
		}
	}
	return fmt.Sprintf("%s|%s|%s", prefix, name, consumerID)
}

// BuildShardOrEventID constructs the checkpoint range key: "S|{shardId}"
// for shard-keyed batches, "E|{eventID}" for event-id-keyed ones.
func BuildShardOrEventID(keyedOnEventID bool, shardID, eventID string) string {
	if keyedOnEventID {
		return "E|" + eventID
	}
	return "S|" + shardID
}

// BatchKey identifies one invocation's checkpoint row plus a per-invocation
// correlation id used in logs and trace spans (never persisted: the
// checkpoint row is addressed purely by the embedded Key).
type BatchKey struct {
	checkpoint.Key
	CorrelationID string
}

// NewBatchKey builds a BatchKey and mints a fresh correlation id.
func NewBatchKey(streamConsumerID, shardOrEventID string) BatchKey {
	return BatchKey{
		Key:           checkpoint.Key{StreamConsumerID: streamConsumerID, ShardOrEventID: shardOrEventID},
		CorrelationID: uuid.NewString(),
	}
}

// String renders the key the way trace spans and log lines reference it:
// "streamConsumerId/shardOrEventID#correlationId".
func (k BatchKey) String() string {
	return k.Key.String() + "#" + k.CorrelationID
}
