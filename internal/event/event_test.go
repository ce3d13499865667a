package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMintsIdentityAndTimestamp(t *testing.T) {
	before := time.Now().UTC()
	ev, err := New(KindCard, json.RawMessage(`{"title":"Hello"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, KindCard, ev.Kind)
	assert.False(t, ev.CreatedAt.Before(before))
	assert.JSONEq(t, `{"title":"Hello"}`, string(ev.Payload))

	other, err := New(KindCard, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Kind("WIDGET"), nil)
	require.Error(t, err)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindCard.Valid())
	assert.True(t, KindNotification.Valid())
	assert.True(t, KindForm.Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("card").Valid())
}

func TestJSONFieldNames(t *testing.T) {
	ev, err := New(KindNotification, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "id")
	assert.Contains(t, m, "kind")
	assert.Contains(t, m, "payload")
	assert.Contains(t, m, "createdAt")

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.True(t, ev.CreatedAt.Equal(decoded.CreatedAt))
}
