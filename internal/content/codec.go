package content

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeDocument is the single boundary where stored document JSON becomes a
// Record. It accepts an object, a JSON string holding an object (older rows
// were double-encoded), null or empty input. It never fails: unparsable input
// yields an empty record and ok=false so reconciliation can continue.
func DecodeDocument(raw []byte) (Record, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Record{}, true
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return Record{}, false
		}
		inner = string(bytes.TrimSpace([]byte(inner)))
		if inner == "" {
			return Record{}, true
		}
		if inner[0] != '{' {
			return Record{}, false
		}
		return DecodeDocument([]byte(inner))
	}

	var value Value
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return Record{}, false
	}
	rec, ok := value.Rec()
	if !ok {
		return Record{}, false
	}
	return rec, true
}

// EncodeDocument is the canonical encoding used for storage and for byte
// comparison between folds.
func EncodeDocument(r Record) ([]byte, error) {
	if r == nil {
		r = Record{}
	}
	encoded, err := json.Marshal(Object(r))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return encoded, nil
}

func DecodeValue(raw []byte) (Value, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Null(), nil
	}
	var value Value
	if err := json.Unmarshal(raw, &value); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

func EncodeValue(v Value) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return encoded, nil
}
