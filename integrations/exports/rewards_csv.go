package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golosd/core/types"
)

// ContentVirtualOp pairs a content virtual-op event (author_reward,
// curation_reward, benefactor_reward, techspec_reward) with the sequence
// number and wall-clock time it was emitted at, the same bookkeeping a
// reward entry carried under its Epoch/GeneratedAt fields.
type ContentVirtualOp struct {
	Sequence   uint64
	OccurredAt time.Time
	Event      *types.Event
}

func sortedAttributeKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeAttributes(attrs map[string]string) (string, error) {
	keys := sortedAttributeKeys(attrs)
	ordered := make([]struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = attrs[k]
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func rowChecksum(sequence uint64, opType string, occurredAt time.Time, attrJSON string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", sequence, opType, occurredAt.UTC().Format(time.RFC3339Nano), attrJSON)))
	return hex.EncodeToString(sum[:])
}

// RewardsCSV builds a CSV export for the supplied content virtual ops and
// returns the serialised data alongside a SHA-256 checksum of the payload.
func RewardsCSV(ops []*ContentVirtualOp) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "type", "occurred_at", "attributes", "checksum"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, op := range ops {
		if op == nil || op.Event == nil {
			continue
		}
		occurred := op.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		attrJSON, err := encodeAttributes(op.Event.Attributes)
		if err != nil {
			return nil, "", err
		}
		record := []string{
			fmt.Sprintf("%d", op.Sequence),
			op.Event.Type,
			occurred.UTC().Format(time.RFC3339Nano),
			attrJSON,
			rowChecksum(op.Sequence, op.Event.Type, occurred, attrJSON),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
