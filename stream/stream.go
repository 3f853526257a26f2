// Package stream defines the record and message shapes flowing through the
// consumer core. Records arrive from a partitioned event stream (Kinesis- or
// DynamoDB-style); messages are the user-defined values extracted from them.
package stream

import "strings"

type (
	// Type identifies the kind of partitioned event stream feeding the consumer.
	Type string

	// Record is a single stream record delivered by the host runtime. The core
	// treats records as mostly opaque: the only fields it relies on are the
	// event coordinates and, for aggregated encodings, the deaggregated user
	// records. Everything else is available to user callbacks.
	Record struct {
		// EventID uniquely identifies the record within its shard.
		EventID string
		// EventSeqNo is the record's sequence number within the shard.
		EventSeqNo string
		// EventSourceARN identifies the source stream (or stream/table pair).
		EventSourceARN string
		// EventName is the stream-level event kind (e.g. INSERT/MODIFY/REMOVE
		// for DynamoDB streams). Optional.
		EventName string
		// PartitionKey is the Kinesis partition key. Empty for DynamoDB records.
		PartitionKey string
		// Data is the raw record payload (already base64-decoded for Kinesis).
		Data []byte
		// Attributes holds the decoded record body for record shapes that are
		// structured rather than binary (e.g. DynamoDB stream images).
		Attributes map[string]any
		// UserRecords holds the sub-records produced by an aggregated encoding
		// (e.g. KPL aggregation). Nil for plain records.
		UserRecords []*UserRecord
	}

	// UserRecord is a sub-record extracted from an aggregated record.
	UserRecord struct {
		// EventSubSeqNo orders user records within their containing record.
		EventSubSeqNo string
		// PartitionKey is the sub-record's own partition key, when present.
		PartitionKey string
		// Data is the sub-record payload.
		Data []byte
	}

	// Message is a user-defined value extracted from a record. Identity
	// properties (ids, keys, sequence numbers) are resolved by property name
	// against this map.
	Message map[string]any
)

const (
	// Kinesis selects shard-derived batch keying and Kinesis record shapes.
	Kinesis Type = "kinesis"
	// DynamoDB selects stream-event keying and DynamoDB stream record shapes.
	DynamoDB Type = "dynamodb"
)

// Valid reports whether t is a known stream type.
func (t Type) Valid() bool {
	return t == Kinesis || t == DynamoDB
}

// ShardID extracts the shard identifier from the record's event ID, which for
// Kinesis has the form "shardId-000000000000:<seqNo>". Returns the empty
// string when no shard prefix is present.
func (r *Record) ShardID() string {
	for i := 0; i < len(r.EventID); i++ {
		if r.EventID[i] == ':' {
			return r.EventID[:i]
		}
	}
	return ""
}

// SourceStreamName derives the stream name from the record's event source
// ARN. Kinesis ARNs ("...:stream/name") yield the stream name; DynamoDB
// stream ARNs ("...:table/Name/stream/2020-01-01T00:00:00.000") yield
// "Name/2020-01-01T00:00:00.000", embedding the stream timestamp after the
// table name. Inputs that are not six-field ARNs are returned unchanged.
func (r *Record) SourceStreamName() string {
	// The resource is the sixth ARN field. Splitting from the right would
	// truncate DynamoDB stream labels, whose ISO timestamps contain colons.
	parts := strings.SplitN(r.EventSourceARN, ":", 6)
	if len(parts) < 6 {
		return r.EventSourceARN
	}
	resource := parts[5]
	switch {
	case strings.HasPrefix(resource, "stream/"):
		return strings.TrimPrefix(resource, "stream/")
	case strings.HasPrefix(resource, "table/"):
		rest := strings.TrimPrefix(resource, "table/")
		if j := strings.Index(rest, "/stream/"); j >= 0 {
			return rest[:j] + "/" + rest[j+len("/stream/"):]
		}
		return rest
	}
	return resource
}
