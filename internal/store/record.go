package store

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// tempIDPrefix marks locally-generated optimistic ids. Committed records
// never carry it; the namespaces are disjoint so an optimistic placeholder
// can never collide with a durable record during reconciliation.
const tempIDPrefix = "temp_"

// Record is the strict schema for a committed message record. Text is
// ciphertext when Encrypted is true. ReadBy maps session ids to unix-
// millisecond read timestamps and only ever grows.
type Record struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	SenderID  string           `json:"senderId"`
	CreatedAt int64            `json:"createdAt"`
	ReadBy    map[string]int64 `json:"readBy"`
	Encrypted bool             `json:"encrypted"`
}

// Clone returns a deep copy so callers can hand records across goroutine
// boundaries without sharing the ReadBy map.
func (r Record) Clone() Record {
	out := r
	out.ReadBy = make(map[string]int64, len(r.ReadBy))

	for k, v := range r.ReadBy {
		out.ReadBy[k] = v
	}

	return out
}

// NormalizeRecord validates a raw record received from the store and
// converts it to the strict schema. Snapshot payloads are not trusted:
// a record with a missing or malformed field is rejected rather than
// propagated into the view.
func NormalizeRecord(raw []byte) (Record, error) {
	id := gjson.GetBytes(raw, "id")
	if id.Type != gjson.String || id.Str == "" {
		return Record{}, fmt.Errorf("missing or invalid id")
	}

	if strings.HasPrefix(id.Str, tempIDPrefix) {
		return Record{}, fmt.Errorf("committed record carries optimistic id %q", id.Str)
	}

	text := gjson.GetBytes(raw, "text")
	if text.Type != gjson.String {
		return Record{}, fmt.Errorf("missing or invalid text")
	}

	sender := gjson.GetBytes(raw, "senderId")
	if sender.Type != gjson.String || sender.Str == "" {
		return Record{}, fmt.Errorf("missing or invalid senderId")
	}

	createdAt := gjson.GetBytes(raw, "createdAt")
	if createdAt.Type != gjson.Number || createdAt.Int() <= 0 {
		return Record{}, fmt.Errorf("missing or invalid createdAt")
	}

	readBy := make(map[string]int64)

	rb := gjson.GetBytes(raw, "readBy")
	if rb.Exists() {
		if !rb.IsObject() {
			return Record{}, fmt.Errorf("readBy is not an object")
		}

		var bad error

		rb.ForEach(func(key, value gjson.Result) bool {
			if value.Type != gjson.Number {
				bad = fmt.Errorf("readBy[%s] is not a timestamp", key.Str)
				return false
			}

			readBy[key.Str] = value.Int()

			return true
		})

		if bad != nil {
			return Record{}, bad
		}
	}

	return Record{
		ID:        id.Str,
		Text:      text.Str,
		SenderID:  sender.Str,
		CreatedAt: createdAt.Int(),
		ReadBy:    readBy,
		Encrypted: gjson.GetBytes(raw, "encrypted").Bool(),
	}, nil
}
