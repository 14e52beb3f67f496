package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepclaw/deepclaw/internal/config"
	"github.com/deepclaw/deepclaw/internal/insight"
	"github.com/deepclaw/deepclaw/internal/relaypool"
	"github.com/deepclaw/deepclaw/internal/scanner"
	"github.com/deepclaw/deepclaw/internal/store"
	"github.com/deepclaw/deepclaw/internal/timing"
)

const testPubkey = "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

type nopReloader struct{}

func (nopReloader) Reload(context.Context) error { return nil }

type stubPool struct{}

func (stubPool) Status() relaypool.Status {
	return relaypool.Status{Connected: 2}
}

type emptyQuerier struct{}

func (emptyQuerier) Query(context.Context, nostr.Filter, time.Duration) []*nostr.Event {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Port:             "0",
		RateLimitFree:    5,
		RateLimitPremium: 1000,
		ScanMaxFollowers: 300,
		ScanMaxFollowing: 100,
	}
	cache := insight.New(insight.NewDBBackend(st))
	agg := timing.NewAggregator(st)
	sc := scanner.New(st, emptyQuerier{}, agg, cache.InvalidateTenant, time.Second, 300, 100)

	srv := New(cfg, st, cache, sc, agg, nopReloader{}, stubPool{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func register(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"pubkey":       testPubkey,
		"callback_url": "https://example.com/hook",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode(t, resp)
	token, _ := body["api_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ts, _ := newTestServer(t)
	token := register(t, ts)

	// Duplicate pubkey conflicts.
	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"pubkey": testPubkey,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// The issued token authenticates.
	resp = doJSON(t, http.MethodGet, ts.URL+"/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	tenant := body["tenant"].(map[string]any)
	assert.Equal(t, testPubkey, tenant["pubkey"])
}

func TestRegisterReplayIdempotent(t *testing.T) {
	ts, _ := newTestServer(t)
	token := register(t, ts)

	// Same pubkey and callback: the original credentials come back.
	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"pubkey":       testPubkey,
		"callback_url": "https://example.com/hook",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, token, body["api_token"])
}

func TestRegisterRejectsBadPubkey(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"pubkey": "not-a-pubkey",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUnauthorized(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, token := range []string{"", "dc_wrong"} {
		resp := doJSON(t, http.MethodGet, ts.URL+"/metrics/summary", token, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, "unauthorized", body["error"])
	}
}

func TestRevokedCredentialFails(t *testing.T) {
	ts, _ := newTestServer(t)
	token := register(t, ts)

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/credentials", token, map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cred := decode(t, resp)["token"].(string)

	resp = doJSON(t, http.MethodGet, ts.URL+"/auth/me", cred, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/auth/credentials/"+cred, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/auth/me", cred, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "token revoked", body["message"])
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t)
	token := register(t, ts)

	// Free tier limit is 5 in the test config; the 6th request is rejected.
	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.MethodGet, ts.URL+"/metrics/posts", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/metrics/posts", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
	resp.Body.Close()

	// A different endpoint has an untouched budget.
	resp = doJSON(t, http.MethodGet, ts.URL+"/metrics/followers", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestEventActivityAndAcknowledge(t *testing.T) {
	ts, st := newTestServer(t)
	token := register(t, ts)

	tenant, err := st.TenantByPubkey(context.Background(), testPubkey)
	require.NoError(t, err)
	for _, id := range []string{"E1", "E2"} {
		_, err := st.IngestEvent(context.Background(), store.IngestInput{
			Event: &store.Event{
				TenantID: tenant.ID, EventID: id, Kind: "mention",
				AuthorPubkey: "a", CreatedAt: time.Now().Unix(),
			},
		})
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/events/activity", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(2), body["count"])

	resp = doJSON(t, http.MethodPost, ts.URL+"/events/acknowledge", token,
		map[string][]string{"eventIds": {"E1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, float64(1), body["acknowledged"])
	assert.Equal(t, float64(1), body["remaining"])

	// An acknowledged event does not reappear.
	resp = doJSON(t, http.MethodGet, ts.URL+"/events/activity", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, float64(1), body["count"])
}

func TestNetworkActivityValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	token := register(t, ts)

	resp := doJSON(t, http.MethodGet,
		ts.URL+"/metrics/timing/network-activity?type=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet,
		ts.URL+"/metrics/timing/network-activity?type=follower_post", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["cached"])

	// Second read hits the cache.
	resp = doJSON(t, http.MethodGet,
		ts.URL+"/metrics/timing/network-activity?type=follower_post", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, true, body["cached"])
}

func TestQuickScanPublic(t *testing.T) {
	ts, _ := newTestServer(t)

	// No auth required; unknown pubkey reports a recoverable failure.
	resp := doJSON(t, http.MethodGet,
		ts.URL+"/metrics/timing/quick-scan?npub="+testPubkey, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "no contact list", body["reason"])

	resp = doJSON(t, http.MethodGet, ts.URL+"/metrics/timing/quick-scan?npub=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}
