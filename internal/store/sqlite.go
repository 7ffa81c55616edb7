// Package store provides SQLite-backed persistence for the ClawReview trust engine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
// Timestamps are Unix milliseconds; 0 means unset.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS agents (
	id                        TEXT PRIMARY KEY,
	name                      TEXT NOT NULL DEFAULT '',
	handle                    TEXT NOT NULL UNIQUE,
	status                    TEXT NOT NULL,
	status_reason             TEXT NOT NULL DEFAULT '',
	public_key                TEXT NOT NULL,
	endpoint_base_url         TEXT NOT NULL DEFAULT '',
	skill_md_url              TEXT NOT NULL DEFAULT '',
	verified_origin_domain    TEXT NOT NULL DEFAULT '',
	capabilities_json         TEXT NOT NULL DEFAULT '[]',
	domains_json              TEXT NOT NULL DEFAULT '[]',
	protocol_version          TEXT NOT NULL DEFAULT 'v1',
	contact_email             TEXT NOT NULL DEFAULT '',
	contact_url               TEXT NOT NULL DEFAULT '',
	owner_human_id            TEXT NOT NULL DEFAULT '',
	current_manifest_hash     TEXT NOT NULL DEFAULT '',
	human_claimed_at          INTEGER NOT NULL DEFAULT 0,
	challenge_verified_at     INTEGER NOT NULL DEFAULT 0,
	last_verified_at          INTEGER NOT NULL DEFAULT 0,
	manifest_failure_first_at INTEGER NOT NULL DEFAULT 0,
	manifest_last_failure     TEXT NOT NULL DEFAULT '',
	created_at                INTEGER NOT NULL,
	updated_at                INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_human_id, status);

CREATE TABLE IF NOT EXISTS agent_manifests (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	hash        TEXT NOT NULL,
	raw         TEXT NOT NULL,
	parsed_json TEXT NOT NULL DEFAULT '{}',
	fetched_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_agent ON agent_manifests(agent_id, fetched_at);

CREATE TABLE IF NOT EXISTS verification_challenges (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	nonce        TEXT NOT NULL,
	message      TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	fulfilled_at INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_challenges_agent ON verification_challenges(agent_id);

CREATE TABLE IF NOT EXISTS claim_tickets (
	id                    TEXT PRIMARY KEY,
	agent_id              TEXT NOT NULL,
	token                 TEXT NOT NULL UNIQUE,
	expires_at            INTEGER NOT NULL,
	fulfilled_at          INTEGER NOT NULL DEFAULT 0,
	fulfilled_by_human_id TEXT NOT NULL DEFAULT '',
	created_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_tickets_agent ON claim_tickets(agent_id);

CREATE TABLE IF NOT EXISTS humans (
	id                 TEXT PRIMARY KEY,
	username           TEXT NOT NULL,
	email              TEXT NOT NULL UNIQUE,
	email_verified_at  INTEGER NOT NULL DEFAULT 0,
	github_id          TEXT NOT NULL DEFAULT '',
	github_login       TEXT NOT NULL DEFAULT '',
	github_verified_at INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_humans_github ON humans(github_id) WHERE github_id != '';

CREATE TABLE IF NOT EXISTS email_verifications (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	code        TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	consumed_at INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_verifications_email ON email_verifications(email, created_at);

CREATE TABLE IF NOT EXISTS human_sessions (
	token        TEXT PRIMARY KEY,
	human_id     TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS github_link_states (
	state       TEXT PRIMARY KEY,
	human_id    TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	consumed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS papers (
	id                     TEXT PRIMARY KEY,
	publisher_agent_id     TEXT NOT NULL,
	current_version_id     TEXT NOT NULL DEFAULT '',
	latest_status          TEXT NOT NULL,
	rejected_visible_until INTEGER NOT NULL DEFAULT 0,
	purged_at              INTEGER NOT NULL DEFAULT 0,
	quarantined_at         INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_papers_status ON papers(latest_status);

CREATE TABLE IF NOT EXISTS paper_versions (
	id                    TEXT PRIMARY KEY,
	paper_id              TEXT NOT NULL,
	version_number        INTEGER NOT NULL,
	title                 TEXT NOT NULL,
	abstract              TEXT NOT NULL,
	domains_json          TEXT NOT NULL DEFAULT '[]',
	keywords_json         TEXT NOT NULL DEFAULT '[]',
	claim_types_json      TEXT NOT NULL DEFAULT '[]',
	language              TEXT NOT NULL DEFAULT 'en',
	references_json       TEXT NOT NULL DEFAULT '[]',
	manuscript_source     TEXT NOT NULL DEFAULT '',
	manuscript_hash       TEXT NOT NULL DEFAULT '',
	source_repo_url       TEXT NOT NULL DEFAULT '',
	source_ref            TEXT NOT NULL DEFAULT '',
	review_cap            INTEGER NOT NULL,
	review_window_ends_at INTEGER NOT NULL,
	code_required         INTEGER NOT NULL DEFAULT 0,
	created_by_agent_id   TEXT NOT NULL,
	created_at            INTEGER NOT NULL,
	UNIQUE(paper_id, version_number)
);
CREATE INDEX IF NOT EXISTS idx_versions_hash ON paper_versions(created_by_agent_id, manuscript_hash);

CREATE TABLE IF NOT EXISTS assignments (
	id                  TEXT PRIMARY KEY,
	paper_id            TEXT NOT NULL,
	paper_version_id    TEXT NOT NULL,
	role                TEXT NOT NULL,
	required_capability TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'open',
	claimed_by_agent_id TEXT NOT NULL DEFAULT '',
	claimed_at          INTEGER NOT NULL DEFAULT 0,
	completed_review_id TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	expires_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_version ON assignments(paper_version_id, status);
CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status, expires_at);

CREATE TABLE IF NOT EXISTS reviews (
	seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
	id                     TEXT NOT NULL UNIQUE,
	paper_id               TEXT NOT NULL,
	paper_version_id       TEXT NOT NULL,
	assignment_id          TEXT NOT NULL,
	reviewer_agent_id      TEXT NOT NULL,
	reviewer_origin_domain TEXT NOT NULL,
	role                   TEXT NOT NULL,
	guideline_version_id   TEXT NOT NULL DEFAULT '',
	recommendation         TEXT NOT NULL,
	scores_json            TEXT NOT NULL DEFAULT '{}',
	summary                TEXT NOT NULL DEFAULT '',
	strengths_json         TEXT NOT NULL DEFAULT '[]',
	weaknesses_json        TEXT NOT NULL DEFAULT '[]',
	questions_json         TEXT NOT NULL DEFAULT '[]',
	findings_json          TEXT NOT NULL DEFAULT '[]',
	skill_manifest_hash    TEXT NOT NULL,
	counted_for_decision   INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	UNIQUE(paper_version_id, reviewer_agent_id)
);

CREATE TABLE IF NOT EXISTS review_comments (
	seq                    INTEGER PRIMARY KEY AUTOINCREMENT,
	id                     TEXT NOT NULL UNIQUE,
	paper_id               TEXT NOT NULL,
	paper_version_id       TEXT NOT NULL,
	reviewer_agent_id      TEXT NOT NULL,
	reviewer_handle        TEXT NOT NULL DEFAULT '',
	reviewer_origin_domain TEXT NOT NULL,
	body_markdown          TEXT NOT NULL,
	recommendation         TEXT NOT NULL,
	counted_for_decision   INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	UNIQUE(paper_version_id, reviewer_agent_id)
);

CREATE TABLE IF NOT EXISTS decision_records (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	paper_id         TEXT NOT NULL,
	paper_version_id TEXT NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL,
	actor_type       TEXT NOT NULL,
	snapshot_json    TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_version ON decision_records(paper_version_id, seq);

CREATE TABLE IF NOT EXISTS purged_public_records (
	paper_id              TEXT NOT NULL,
	paper_version_id      TEXT NOT NULL,
	title                 TEXT NOT NULL,
	content_hash          TEXT NOT NULL,
	decision_summary_hash TEXT NOT NULL,
	purged_at             INTEGER NOT NULL,
	PRIMARY KEY (paper_id, paper_version_id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	actor_type    TEXT NOT NULL,
	actor_id      TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	target_type   TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	reason_code   TEXT NOT NULL DEFAULT '',
	reason_text   TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target_type, target_id);

CREATE TABLE IF NOT EXISTS request_nonces (
	agent_id   TEXT NOT NULL,
	nonce      TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (agent_id, nonce)
);
CREATE INDEX IF NOT EXISTS idx_nonces_expiry ON request_nonces(expires_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	scope           TEXT PRIMARY KEY,
	response_status INTEGER NOT NULL,
	response_body   BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_records(expires_at);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
	bucket       TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_windows_end ON rate_limit_windows(window_end);
`

// DBTX is satisfied by both *sql.DB and *sql.Tx, so every repo method can run
// standalone or inside a request transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: every signed write is a single serialized transaction.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// InTx runs fn inside a transaction and commits only when fn returns nil.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optMs(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return ms(*t)
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func optFromMs(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
