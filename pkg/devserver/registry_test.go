package devserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRegistry(t *testing.T) {
	r := NewClientRegistry()

	r.Add(&Client{ID: "a"})
	r.Add(&Client{ID: "b"})
	assert.Equal(t, 2, r.Count())
	assert.Empty(t, r.GetAuthenticated())

	r.MarkAuthenticated("a")
	authed := r.GetAuthenticated()
	assert.Len(t, authed, 1)
	assert.Equal(t, "a", authed[0].ID)

	client, ok := r.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "b", client.ID)

	r.UpdateActivity("b")
	assert.False(t, client.LastActivity.IsZero())

	r.Remove("b")
	_, ok = r.Get("b")
	assert.False(t, ok)
	assert.Len(t, r.Info(), 1)
}

func TestClientRegistry_RecordAuthFailure(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "a"})

	assert.Equal(t, 1, r.RecordAuthFailure("a"))
	assert.Equal(t, 2, r.RecordAuthFailure("a"))
	assert.Equal(t, maxAuthAttempts, r.RecordAuthFailure("gone"))
}
