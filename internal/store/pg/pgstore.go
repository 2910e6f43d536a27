// Package pg is the Postgres backend. It mirrors the interfaces the
// memory backend implements, over database/sql with the pgx stdlib
// driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"trustplane.org/internal/store"
)

// Store wraps the connection pool.
type Store struct {
	db *sql.DB
}

// Open connects with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; tests inject sqlmock through here.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Schema is the DDL for every table this backend uses. Applied by
// Migrate; kept in one place so operators can review it.
const Schema = `
create table if not exists sessions (
	id text primary key,
	tenant_id text not null,
	user_id text not null,
	device_id text not null,
	status text not null,
	auth_method text not null default '',
	mfa_completed boolean not null default false,
	step_up_complete boolean not null default false,
	step_up_pending jsonb not null default '[]',
	risk_level text not null default 'LOW',
	risk_score int not null default 0,
	risk_factors jsonb not null default '[]',
	scopes jsonb not null default '[]',
	consent_scopes jsonb not null default '[]',
	token_family_id text not null default '',
	remember_me boolean not null default false,
	last_ip text not null default '',
	last_lat double precision not null default 0,
	last_lon double precision not null default 0,
	has_geo boolean not null default false,
	created_at timestamptz not null,
	expires_at timestamptz not null,
	last_activity_at timestamptz not null,
	end_reason text not null default ''
);
create index if not exists sessions_user_status on sessions (tenant_id, user_id, status);
create index if not exists sessions_expires_at on sessions (expires_at);

create table if not exists devices (
	id text primary key,
	tenant_id text not null,
	user_id text not null,
	fingerprint_hash text not null,
	user_agent text not null default '',
	trusted boolean not null default false,
	trust_score int not null default 0,
	has_tpm boolean not null default false,
	attestation_verified boolean not null default false,
	auth_successes int not null default 0,
	auth_failures int not null default 0,
	blocked boolean not null default false,
	first_seen_at timestamptz not null,
	last_seen_at timestamptz not null,
	unique (tenant_id, user_id, fingerprint_hash)
);

create table if not exists policies (
	tenant_id text not null,
	id text not null,
	version int not null,
	head boolean not null default false,
	name text not null,
	kind text not null,
	effect text not null,
	priority int not null,
	status text not null,
	subjects jsonb not null default '[]',
	resources jsonb not null default '[]',
	actions jsonb not null default '[]',
	conditions jsonb not null default '[]',
	require_mfa boolean not null default false,
	require_step_up boolean not null default false,
	require_consent boolean not null default false,
	break_glass_eligible boolean not null default false,
	created_at timestamptz not null,
	updated_at timestamptz not null,
	primary key (tenant_id, id, version)
);
create index if not exists policies_head on policies (tenant_id, status, priority) where head;

create table if not exists role_grants (
	id text primary key,
	tenant_id text not null,
	user_id text not null,
	role text not null,
	scope text not null default '',
	assignment_type text not null,
	status text not null,
	expires_at timestamptz,
	justification text not null default '',
	approved_by text not null default '',
	approved_at timestamptz,
	workflow_id text not null default '',
	delegated_from_user text not null default '',
	delegated_from_grant text not null default '',
	delegation_depth int not null default 0,
	max_delegation_depth int not null default 0,
	restrictions jsonb not null default '[]',
	break_glass boolean not null default false,
	emergency_override boolean not null default false,
	emergency_justification text not null default '',
	emergency_approver text not null default '',
	use_count int not null default 0,
	max_uses int not null default 0,
	created_at timestamptz not null,
	updated_at timestamptz not null
);
create index if not exists role_grants_user on role_grants (tenant_id, user_id, status);
create index if not exists role_grants_expires on role_grants (expires_at);

create table if not exists audit_events (
	tenant_id text not null,
	sequence bigint not null,
	id text not null,
	ts timestamptz not null,
	user_id text not null default '',
	session_id text not null default '',
	event_type text not null,
	severity text not null,
	actor_id text not null default '',
	target_id text not null default '',
	resource text not null default '',
	action text not null default '',
	outcome text not null default '',
	reason text not null default '',
	risk_score int not null default 0,
	risk_factors jsonb not null default '[]',
	detail jsonb not null default '[]',
	prev_hash text not null,
	hash text not null,
	key_id text not null default '',
	signature text not null default '',
	legal_hold boolean not null default false,
	primary key (tenant_id, sequence)
);
create index if not exists audit_events_user on audit_events (tenant_id, user_id);
create index if not exists audit_events_session on audit_events (tenant_id, session_id);
create index if not exists audit_events_ts on audit_events (tenant_id, ts);

create table if not exists refresh_tokens (
	id text primary key,
	family_id text not null,
	tenant_id text not null,
	user_id text not null,
	session_id text not null,
	token_hash text not null,
	expires_at timestamptz not null,
	created_at timestamptz not null,
	revoked boolean not null default false,
	superseded_by text not null default ''
);
create index if not exists refresh_tokens_family on refresh_tokens (family_id);
`

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

// mapErr normalizes driver errors onto the shared store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func unmarshalStrings(data []byte) []string {
	var out []string
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return out
}
