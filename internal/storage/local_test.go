package storage

import (
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOpenRemove(t *testing.T) {
	l, err := NewLocal(t.TempDir(), time.Minute)
	require.NoError(t, err)

	ws, err := l.Create()
	require.NoError(t, err)
	assert.DirExists(t, ws.InDir)
	assert.DirExists(t, ws.OutDir)

	opened, err := l.Open(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws, opened)

	require.NoError(t, l.Remove(ws.ID))
	_, err = l.Open(ws.ID)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestOpenRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = l.Open("../etc")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, l.Remove("../etc"), ErrInvalidID)
}

func TestSweepRemovesExpired(t *testing.T) {
	l, err := NewLocal(t.TempDir(), time.Minute)
	require.NoError(t, err)

	old, err := l.Create()
	require.NoError(t, err)
	fresh, err := l.Create()
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old.Dir, past, past))

	n, err := l.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old.Dir)
	assert.DirExists(t, fresh.Dir)
}
