package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type note struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (n *note) GetID() string { return n.ID }

func setupStore(t *testing.T) *BadgerStore[*note] {
	t.Helper()
	db, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore[*note](db, "note")
}

func TestCreateGetUpdateDelete(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.Create(&note{ID: "a", Text: "first"}))
	assert.ErrorIs(t, s.Create(&note{ID: "a"}), ErrExists)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text)

	require.NoError(t, s.Update(&note{ID: "a", Text: "second"}))
	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Text)

	assert.ErrorIs(t, s.Update(&note{ID: "missing"}), ErrNotFound)

	require.NoError(t, s.Delete("a"))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("a"), ErrNotFound)
}

func TestListIsScopedToPrefix(t *testing.T) {
	s := setupStore(t)
	other := NewBadgerStore[*note](s.db, "other")

	require.NoError(t, s.Create(&note{ID: "b", Text: "2"}))
	require.NoError(t, s.Create(&note{ID: "a", Text: "1"}))
	require.NoError(t, s.Update(&note{ID: "a", Text: "1+"}))
	require.NoError(t, other.Create(&note{ID: "z"}))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "1+", all[0].Text)
	assert.Equal(t, "b", all[1].ID)
}

func TestEmptyID(t *testing.T) {
	s := setupStore(t)
	assert.Error(t, s.Create(&note{}))
}
