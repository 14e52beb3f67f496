package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepclaw/deepclaw/internal/store"
)

type fakeRegistry map[string]int64

func (f fakeRegistry) Lookup(pubkey string) (int64, bool) {
	id, ok := f[pubkey]
	return id, ok
}

type fakeStore struct {
	ingests   []store.IngestInput
	followers map[string]bool
	posts     map[string]bool
	following map[int64][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		followers: map[string]bool{},
		posts:     map[string]bool{},
		following: map[int64][]string{},
	}
}

func (f *fakeStore) IngestEvent(_ context.Context, in store.IngestInput) (bool, error) {
	f.ingests = append(f.ingests, in)
	return true, nil
}

func (f *fakeStore) IsFollower(_ context.Context, _ int64, pubkey string) (bool, error) {
	return f.followers[pubkey], nil
}

func (f *fakeStore) HasPost(_ context.Context, _ int64, noteID string) (bool, error) {
	return f.posts[noteID], nil
}

func (f *fakeStore) ReplaceFollowing(_ context.Context, tenantID int64, pubkeys []string) error {
	f.following[tenantID] = pubkeys
	return nil
}

const tenantPubkey = "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

func newTestRouter(st *fakeStore) (*Router, *int) {
	woken := 0
	amount := func(bolt11, description string) (int64, bool) { return 21, true }
	r := New(fakeRegistry{tenantPubkey: 7}, st, amount, func() { woken++ })
	return r, &woken
}

func event(kind int, pubkey string, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        "EV1",
		PubKey:    pubkey,
		Kind:      kind,
		Tags:      tags,
		Content:   "hello",
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
	}
}

func TestMentionRouting(t *testing.T) {
	st := newFakeStore()
	r, woken := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindTextNote, "author1",
		nostr.Tags{{"p", tenantPubkey}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, int64(7), in.Event.TenantID)
	assert.Equal(t, "mention", in.Event.Kind)
	assert.Empty(t, in.PostBump)
	require.NotNil(t, in.WebhookPayload)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(in.WebhookPayload, &payload))
	assert.Equal(t, "mention", payload["event_type"])
	assert.Equal(t, "EV1", payload["event_id"])
	assert.Equal(t, 1, *woken)
}

func TestReplyBumpsCounter(t *testing.T) {
	st := newFakeStore()
	st.posts["NOTE1"] = true
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindTextNote, "author1",
		nostr.Tags{{"p", tenantPubkey}, {"e", "NOTE1"}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, "reply", in.Event.Kind)
	assert.Equal(t, "NOTE1", in.TargetNoteID)
	assert.Equal(t, "replies", in.PostBump)
}

func TestThreadReplyToForeignNoteIsMention(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	// The e-tag points at someone else's note: classified as a mention,
	// and no stub row lands in posts.
	r.Handle(context.Background(), event(nostr.KindTextNote, "author1",
		nostr.Tags{{"p", tenantPubkey}, {"e", "FOREIGN"}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, "mention", in.Event.Kind)
	assert.Empty(t, in.TargetNoteID)
	assert.Empty(t, in.PostBump)
}

func TestSelfReferenceIgnored(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	// A tenant p-tagging themselves is not engagement.
	r.Handle(context.Background(), event(nostr.KindTextNote, tenantPubkey,
		nostr.Tags{{"p", tenantPubkey}}))
	assert.Empty(t, st.ingests)
}

func TestUnknownPubkeyIgnored(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindTextNote, "author1",
		nostr.Tags{{"p", "0000000000000000000000000000000000000000000000000000000000000000"}}))
	assert.Empty(t, st.ingests)
}

func TestHistoricalEventNoWebhook(t *testing.T) {
	st := newFakeStore()
	r, woken := newTestRouter(st)

	ev := event(nostr.KindTextNote, "author1", nostr.Tags{{"p", tenantPubkey}})
	ev.CreatedAt = nostr.Timestamp(time.Now().Add(-8 * 24 * time.Hour).Unix())
	r.Handle(context.Background(), ev)

	require.Len(t, st.ingests, 1)
	assert.Nil(t, st.ingests[0].WebhookPayload)
	assert.Equal(t, 0, *woken)
}

func TestNewFollower(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindFollowList, "follower1",
		nostr.Tags{{"p", tenantPubkey}, {"p", "someoneelse"}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, "follow", in.Event.Kind)
	assert.Equal(t, "follower1", in.NewFollower)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(in.WebhookPayload, &payload))
	assert.Equal(t, "new_follower", payload["event_type"])
}

func TestKnownFollowerReplaySkipped(t *testing.T) {
	st := newFakeStore()
	st.followers["follower1"] = true
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindFollowList, "follower1",
		nostr.Tags{{"p", tenantPubkey}}))
	assert.Empty(t, st.ingests)
}

func TestTenantContactListReplacesFollowing(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindFollowList, tenantPubkey,
		nostr.Tags{{"p", "a"}, {"p", "b"}}))

	assert.Empty(t, st.ingests)
	assert.Equal(t, []string{"a", "b"}, st.following[7])
}

func TestZapReceipt(t *testing.T) {
	st := newFakeStore()
	r, _ := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindZap, "zapper1",
		nostr.Tags{{"p", tenantPubkey}, {"e", "NOTE1"}, {"bolt11", "lnbc210n1xyz"}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, "zap", in.Event.Kind)
	assert.Equal(t, "zap", in.PostBump)
	assert.Equal(t, int64(21), in.ZapSats)
	assert.Equal(t, "NOTE1", in.TargetNoteID)
}

func TestReactionNoWebhook(t *testing.T) {
	st := newFakeStore()
	r, woken := newTestRouter(st)

	r.Handle(context.Background(), event(nostr.KindReaction, "author1",
		nostr.Tags{{"p", tenantPubkey}, {"e", "NOTE1"}}))

	require.Len(t, st.ingests, 1)
	in := st.ingests[0]
	assert.Equal(t, "reaction", in.Event.Kind)
	assert.Equal(t, "reactions", in.PostBump)
	assert.Nil(t, in.WebhookPayload)
	assert.Equal(t, 0, *woken)
}
