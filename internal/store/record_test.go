package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRecord_Valid(t *testing.T) {
	raw := []byte(`{
		"id": "abc-123",
		"text": "deadbeef",
		"senderId": "s1",
		"createdAt": 1700000000000,
		"readBy": {"s1": 1700000000000, "s2": 1700000000500},
		"encrypted": true
	}`)

	rec, err := NormalizeRecord(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc-123", rec.ID)
	assert.Equal(t, "deadbeef", rec.Text)
	assert.Equal(t, "s1", rec.SenderID)
	assert.Equal(t, int64(1700000000000), rec.CreatedAt)
	assert.Equal(t, map[string]int64{"s1": 1700000000000, "s2": 1700000000500}, rec.ReadBy)
	assert.True(t, rec.Encrypted)
}

func TestNormalizeRecord_DefaultsForOptionalFields(t *testing.T) {
	raw := []byte(`{"id": "m1", "text": "", "senderId": "s1", "createdAt": 1}`)

	rec, err := NormalizeRecord(raw)
	require.NoError(t, err)

	assert.Empty(t, rec.Text, "empty text is valid after a failed decrypt upstream")
	assert.NotNil(t, rec.ReadBy)
	assert.Empty(t, rec.ReadBy)
	assert.False(t, rec.Encrypted)
}

func TestNormalizeRecord_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"text": "x", "senderId": "s1", "createdAt": 1}`},
		{"empty id", `{"id": "", "text": "x", "senderId": "s1", "createdAt": 1}`},
		{"numeric id", `{"id": 7, "text": "x", "senderId": "s1", "createdAt": 1}`},
		{"optimistic id", `{"id": "temp_3", "text": "x", "senderId": "s1", "createdAt": 1}`},
		{"missing text", `{"id": "m1", "senderId": "s1", "createdAt": 1}`},
		{"non-string text", `{"id": "m1", "text": 42, "senderId": "s1", "createdAt": 1}`},
		{"missing sender", `{"id": "m1", "text": "x", "createdAt": 1}`},
		{"empty sender", `{"id": "m1", "text": "x", "senderId": "", "createdAt": 1}`},
		{"missing createdAt", `{"id": "m1", "text": "x", "senderId": "s1"}`},
		{"zero createdAt", `{"id": "m1", "text": "x", "senderId": "s1", "createdAt": 0}`},
		{"string createdAt", `{"id": "m1", "text": "x", "senderId": "s1", "createdAt": "1"}`},
		{"readBy array", `{"id": "m1", "text": "x", "senderId": "s1", "createdAt": 1, "readBy": ["s1"]}`},
		{"readBy string value", `{"id": "m1", "text": "x", "senderId": "s1", "createdAt": 1, "readBy": {"s1": "now"}}`},
		{"not json", `garbage`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeRecord([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	orig := Record{
		ID:     "m1",
		ReadBy: map[string]int64{"s1": 100},
	}

	clone := orig.Clone()
	clone.ReadBy["s2"] = 200

	assert.NotContains(t, orig.ReadBy, "s2")
}

func TestIsTransient(t *testing.T) {
	transient := &TransientError{Err: assert.AnError}

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(assert.AnError))
	assert.False(t, IsTransient(nil))
	assert.ErrorIs(t, transient, transient.Err)
}
