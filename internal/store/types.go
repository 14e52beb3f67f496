package store

import "time"

// Tenant is a registered subscriber, identified externally by pubkey.
type Tenant struct {
	ID             int64  `json:"id"`
	Pubkey         string `json:"pubkey"`
	APIToken       string `json:"-"`
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"-"`
	Tier           string `json:"tier"`
	CreatedAt      int64  `json:"created_at"`
	LastActiveAt   int64  `json:"last_active_at"`
	LastSummaryAt  int64  `json:"-"`
}

// Credential is an API token with optional scopes and expiry. A credential
// match takes precedence over the legacy token on the tenant row.
type Credential struct {
	Token      string
	TenantID   int64
	Scopes     string
	ExpiresAt  int64 // 0 = never
	Revoked    bool
	LastUsedAt int64
	CreatedAt  int64
}

// Event is one observed protocol event routed to one tenant. The same
// protocol event id may exist once per tenant, never twice for one tenant.
type Event struct {
	ID           int64  `json:"-"`
	TenantID     int64  `json:"-"`
	EventID      string `json:"event_id"`
	Kind         string `json:"kind"`
	AuthorPubkey string `json:"author_pubkey"`
	Content      string `json:"content"`
	Metadata     string `json:"metadata"`
	CreatedAt    int64  `json:"created_at"`
	Acknowledged bool   `json:"acknowledged"`
}

// Post is one of the tenant's own notes with denormalized counters.
// Counters only ever increase; they are derived from event rows in the
// same transaction that inserts the event.
type Post struct {
	TenantID    int64  `json:"-"`
	NoteID      string `json:"note_id"`
	Content     string `json:"content"`
	ImageURL    string `json:"image_url,omitempty"`
	PostedAt    int64  `json:"posted_at"`
	Reactions   int64  `json:"reactions"`
	Replies     int64  `json:"replies"`
	Reposts     int64  `json:"reposts"`
	Impressions int64  `json:"impressions"`
	ZapCount    int64  `json:"zap_count"`
	ZapTotal    int64  `json:"zap_total"`
}

// Engager aggregates one author's interactions with one tenant.
type Engager struct {
	Pubkey     string `json:"pubkey"`
	Mentions   int64  `json:"mentions"`
	Replies    int64  `json:"replies"`
	Reactions  int64  `json:"reactions"`
	Reposts    int64  `json:"reposts"`
	Zaps       int64  `json:"zaps"`
	ZapTotal   int64  `json:"zap_total"`
	Total      int64  `json:"total"`
	LastSeenAt int64  `json:"last_seen_at"`
}

// WebhookJob is one pending delivery drained by the dispatcher.
type WebhookJob struct {
	ID        int64
	TenantID  int64
	EventKind string
	EventID   string
	Payload   []byte
	Retries   int
	CreatedAt int64
}

// Insight is a cached analytics payload with a TTL.
type Insight struct {
	TenantID     int64
	Kind         string
	Period       string
	Payload      []byte
	CalculatedAt int64
	ExpiresAt    int64
}

// DayCount is one bucket of a per-day time series.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

func now() int64 { return time.Now().Unix() }
