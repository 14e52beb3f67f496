package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	entries []Entry
	err     error
}

func (f *fakeSource) AllTenants(context.Context) ([]Entry, error) {
	return f.entries, f.err
}

func TestReloadAndLookup(t *testing.T) {
	src := &fakeSource{entries: []Entry{{ID: 1, Pubkey: "aa"}, {ID: 2, Pubkey: "bb"}}}
	r := New(src, time.Minute)

	_, ok := r.Lookup("aa")
	assert.False(t, ok, "empty before first reload")

	require.NoError(t, r.Reload(context.Background()))

	id, ok := r.Lookup("aa")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.ElementsMatch(t, []string{"aa", "bb"}, r.Pubkeys())

	_, ok = r.Lookup("cc")
	assert.False(t, ok)
}

func TestReloadHooksFireOnChangeOnly(t *testing.T) {
	src := &fakeSource{entries: []Entry{{ID: 1, Pubkey: "aa"}}}
	r := New(src, time.Minute)

	fired := 0
	r.OnReload(func() { fired++ })

	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 1, fired)

	// Same pubkey set: no notification.
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 1, fired)

	src.entries = append(src.entries, Entry{ID: 2, Pubkey: "bb"})
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 2, fired)
}

func TestFailedReloadKeepsSnapshot(t *testing.T) {
	src := &fakeSource{entries: []Entry{{ID: 1, Pubkey: "aa"}}}
	r := New(src, time.Minute)
	require.NoError(t, r.Reload(context.Background()))

	src.err = errors.New("db down")
	assert.Error(t, r.Reload(context.Background()))

	id, ok := r.Lookup("aa")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}
