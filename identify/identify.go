// Package identify derives stable message fingerprints: content digests of the
// JSON-encoded forms, event coordinates extracted from the record, and the
// (ids, keys, seqNos) identity triple resolved from user-configured property
// names. The fingerprints drive per-key sequencing, checkpoint matching across
// invocations, and dead-letter envelopes.
package identify

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"goa.design/shardflow/stream"
)

type (
	// Pair is a single named identity part. Order of pairs is significant.
	Pair struct {
		Name  string `json:"name" dynamodbav:"name"`
		Value any    `json:"value" dynamodbav:"value"`
	}

	// Digests holds MD5 content digests of the JSON-encoded message, record,
	// user record and raw payload. Empty fields mean the source was absent.
	Digests struct {
		Msg     string `json:"msg,omitempty" dynamodbav:"msg,omitempty"`
		Rec     string `json:"rec,omitempty" dynamodbav:"rec,omitempty"`
		UserRec string `json:"userRec,omitempty" dynamodbav:"userRec,omitempty"`
		Data    string `json:"data,omitempty" dynamodbav:"data,omitempty"`
	}

	// Coordinates is the event triple locating a record (or user record)
	// within its shard.
	Coordinates struct {
		EventID       string `json:"eventId" dynamodbav:"eventId"`
		EventSeqNo    string `json:"eventSeqNo" dynamodbav:"eventSeqNo"`
		EventSubSeqNo string `json:"eventSubSeqNo,omitempty" dynamodbav:"eventSubSeqNo,omitempty"`
	}

	// Identity is the resolved identity triple of a message plus its joined
	// string projections. ID, Key and SeqNo join each pair as "name:value"
	// with "|" between pairs.
	Identity struct {
		IDs    []Pair `json:"ids,omitempty" dynamodbav:"ids,omitempty"`
		Keys   []Pair `json:"keys,omitempty" dynamodbav:"keys,omitempty"`
		SeqNos []Pair `json:"seqNos,omitempty" dynamodbav:"seqNos,omitempty"`

		ID    string `json:"id,omitempty" dynamodbav:"id,omitempty"`
		Key   string `json:"key,omitempty" dynamodbav:"key,omitempty"`
		SeqNo string `json:"seqNo,omitempty" dynamodbav:"seqNo,omitempty"`
	}

	// Resolver resolves message identities from configured property names.
	// Empty name lists fall back to the default policy: seqNos default to the
	// record's event sequence number, keys may be empty (all messages then
	// sequence together) and ids default to keys followed by seqNos.
	Resolver struct {
		IDNames    []string
		KeyNames   []string
		SeqNoNames []string
	}
)

// DeriveDigests computes content digests for the given message, record and
// user record. Any of the three may be nil/absent. The Data digest covers the
// raw payload when one is exposed (the user record's payload wins over the
// record's).
func DeriveDigests(msg stream.Message, rec *stream.Record, ur *stream.UserRecord) (Digests, error) {
	var d Digests
	if msg != nil {
		sum, err := jsonMD5(msg)
		if err != nil {
			return d, fmt.Errorf("identify: digest message: %w", err)
		}
		d.Msg = sum
	}
	if rec != nil {
		sum, err := jsonMD5(rec)
		if err != nil {
			return d, fmt.Errorf("identify: digest record: %w", err)
		}
		d.Rec = sum
	}
	if ur != nil {
		sum, err := jsonMD5(ur)
		if err != nil {
			return d, fmt.Errorf("identify: digest user record: %w", err)
		}
		d.UserRec = sum
	}
	switch {
	case ur != nil && len(ur.Data) > 0:
		d.Data = rawMD5(ur.Data)
	case rec != nil && len(rec.Data) > 0:
		d.Data = rawMD5(rec.Data)
	}
	return d, nil
}

// ResolveCoordinates extracts the event triple of a record, or of a user
// record within its containing record.
func ResolveCoordinates(rec *stream.Record, ur *stream.UserRecord) Coordinates {
	c := Coordinates{}
	if rec != nil {
		c.EventID = rec.EventID
		c.EventSeqNo = rec.EventSeqNo
	}
	if ur != nil {
		c.EventSubSeqNo = ur.EventSubSeqNo
	}
	return c
}

// Resolve resolves the identity triple of a message. Configured property names
// are looked up against the message; a configured name missing from the
// message is an error (the message cannot be safely tracked across
// invocations without its full identity).
func (r *Resolver) Resolve(msg stream.Message, coords Coordinates) (Identity, error) {
	var id Identity

	seqNos, err := pairsFor(msg, r.SeqNoNames)
	if err != nil {
		return id, fmt.Errorf("identify: resolve seqNos: %w", err)
	}
	if len(seqNos) == 0 {
		seqNos = []Pair{{Name: "eventSeqNo", Value: coords.EventSeqNo}}
		if coords.EventSubSeqNo != "" {
			seqNos = append(seqNos, Pair{Name: "eventSubSeqNo", Value: coords.EventSubSeqNo})
		}
	}

	keys, err := pairsFor(msg, r.KeyNames)
	if err != nil {
		return id, fmt.Errorf("identify: resolve keys: %w", err)
	}

	ids, err := pairsFor(msg, r.IDNames)
	if err != nil {
		return id, fmt.Errorf("identify: resolve ids: %w", err)
	}
	if len(ids) == 0 {
		ids = append(append([]Pair{}, keys...), seqNos...)
	}

	id.IDs, id.Keys, id.SeqNos = ids, keys, seqNos
	id.ID = JoinPairs(ids)
	id.Key = JoinPairs(keys)
	id.SeqNo = JoinPairs(seqNos)
	return id, nil
}

// JoinPairs renders pairs as "name:value" joined with "|". Returns the empty
// string for no pairs.
func JoinPairs(pairs []Pair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Name + ":" + Stringify(p.Value)
	}
	return strings.Join(parts, "|")
}

// Stringify renders an identity part value in canonical string form. Numbers
// render without a float exponent where possible so equal values always render
// identically.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func pairsFor(msg stream.Message, names []string) ([]Pair, error) {
	if len(names) == 0 {
		return nil, nil
	}
	pairs := make([]Pair, 0, len(names))
	for _, name := range names {
		v, ok := msg[name]
		if !ok {
			return nil, fmt.Errorf("message has no %q property", name)
		}
		pairs = append(pairs, Pair{Name: name, Value: v})
	}
	return pairs, nil
}

func jsonMD5(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return rawMD5(b), nil
}

func rawMD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
