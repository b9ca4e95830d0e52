package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RewardsJSONL builds a JSON Lines export for the supplied content virtual
// ops and returns the serialised payload alongside a checksum.
func RewardsJSONL(ops []*ContentVirtualOp) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
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
		payload := map[string]interface{}{
			"sequence":    op.Sequence,
			"type":        op.Event.Type,
			"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
			"attributes":  op.Event.Attributes,
			"checksum":    rowChecksum(op.Sequence, op.Event.Type, occurred, attrJSON),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
