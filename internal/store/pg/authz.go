package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/grant"
	"trustplane.org/internal/policy"
	"trustplane.org/internal/store"
)

var (
	_ policy.Store = (*Store)(nil)
	_ grant.Store  = (*Store)(nil)
	_ audit.Store  = (*Store)(nil)
)

const policyColumns = `tenant_id, id, version, name, kind, effect, priority, status,
	subjects, resources, actions, conditions, require_mfa, require_step_up,
	require_consent, break_glass_eligible, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (policy.Policy, error) {
	var p policy.Policy
	var subjects, resources, actions, conditions []byte
	err := row.Scan(&p.TenantID, &p.ID, &p.Version, &p.Name, &p.Kind, &p.Effect,
		&p.Priority, &p.Status, &subjects, &resources, &actions, &conditions,
		&p.RequireMFA, &p.RequireStepUp, &p.RequireConsent, &p.BreakGlassEligible,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return policy.Policy{}, err
	}
	p.Subjects = unmarshalStrings(subjects)
	p.Resources = unmarshalStrings(resources)
	p.Actions = unmarshalStrings(actions)
	if len(conditions) > 0 {
		_ = json.Unmarshal(conditions, &p.Conditions)
	}
	return p, nil
}

// Snapshot reads the tenant's ACTIVE head policies in one query; the
// version counter is the max head version sum, which moves on every write.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (policy.Snapshot, error) {
	snap := policy.Snapshot{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(version), 0) from policies where tenant_id=$1 and head
	`, tenantID).Scan(&snap.Version)
	if err != nil {
		return policy.Snapshot{}, mapErr(err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+policyColumns+` from policies
		where tenant_id=$1 and head and status=$2
		order by priority, id
	`, tenantID, policy.StatusActive)
	if err != nil {
		return policy.Snapshot{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return policy.Snapshot{}, mapErr(err)
		}
		snap.Policies = append(snap.Policies, p)
	}
	return snap, mapErr(rows.Err())
}

func (s *Store) insertPolicyVersion(ctx context.Context, tx *sql.Tx, p *policy.Policy) error {
	subjects, _ := marshalJSON(p.Subjects)
	resources, _ := marshalJSON(p.Resources)
	actions, _ := marshalJSON(p.Actions)
	conditions, err := marshalJSON(p.Conditions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into policies (tenant_id, id, version, head, name, kind, effect,
			priority, status, subjects, resources, actions, conditions,
			require_mfa, require_step_up, require_consent, break_glass_eligible,
			created_at, updated_at)
		values ($1,$2,$3,true,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, p.TenantID, p.ID, p.Version, p.Name, p.Kind, p.Effect,
		p.Priority, p.Status, subjects, resources, actions, conditions,
		p.RequireMFA, p.RequireStepUp, p.RequireConsent, p.BreakGlassEligible,
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insertPolicyVersion(ctx, tx, p); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) UpdatePolicy(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var headVersion int
	err = tx.QueryRowContext(ctx, `
		select version from policies where tenant_id=$1 and id=$2 and head for update
	`, p.TenantID, p.ID).Scan(&headVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: policy %s", store.ErrNotFound, p.ID)
	}
	if err != nil {
		return mapErr(err)
	}
	if p.Version != headVersion {
		return fmt.Errorf("%w: policy %s version %d (head %d)", store.ErrConflict, p.ID, p.Version, headVersion)
	}
	if _, err := tx.ExecContext(ctx, `
		update policies set head=false where tenant_id=$1 and id=$2 and head
	`, p.TenantID, p.ID); err != nil {
		return mapErr(err)
	}
	p.Version = headVersion + 1
	if err := s.insertPolicyVersion(ctx, tx, p); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) GetPolicy(ctx context.Context, tenantID, policyID string) (policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+policyColumns+` from policies where tenant_id=$1 and id=$2 and head
	`, tenantID, policyID)
	p, err := scanPolicy(row)
	if err != nil {
		return policy.Policy{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPolicyVersion(ctx context.Context, tenantID, policyID string, version int) (policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+policyColumns+` from policies where tenant_id=$1 and id=$2 and version=$3
	`, tenantID, policyID, version)
	p, err := scanPolicy(row)
	if err != nil {
		return policy.Policy{}, mapErr(err)
	}
	return p, nil
}

const grantColumns = `id, tenant_id, user_id, role, scope, assignment_type, status,
	expires_at, justification, approved_by, approved_at, workflow_id,
	delegated_from_user, delegated_from_grant, delegation_depth, max_delegation_depth,
	restrictions, break_glass, emergency_override, emergency_justification,
	emergency_approver, use_count, max_uses, created_at, updated_at`

func scanGrant(row interface{ Scan(...any) error }) (grant.Grant, error) {
	var g grant.Grant
	var expires, approved sql.NullTime
	var restrictions []byte
	err := row.Scan(&g.ID, &g.TenantID, &g.UserID, &g.Role, &g.Scope, &g.Type, &g.Status,
		&expires, &g.Justification, &g.ApprovedBy, &approved, &g.WorkflowID,
		&g.DelegatedFromUser, &g.DelegatedFromGrant, &g.DelegationDepth, &g.MaxDelegationDepth,
		&restrictions, &g.BreakGlass, &g.EmergencyOverride, &g.EmergencyJustification,
		&g.EmergencyApprover, &g.UseCount, &g.MaxUses, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return grant.Grant{}, err
	}
	if expires.Valid {
		g.ExpiresAt = expires.Time
	}
	if approved.Valid {
		g.ApprovedAt = approved.Time
	}
	g.Restrictions = unmarshalStrings(restrictions)
	return g, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	restrictions, _ := marshalJSON(g.Restrictions)
	_, err := s.db.ExecContext(ctx, `
		insert into role_grants (`+grantColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
	`, g.ID, g.TenantID, g.UserID, g.Role, g.Scope, g.Type, g.Status,
		nullableTime(g.ExpiresAt), g.Justification, g.ApprovedBy, nullableTime(g.ApprovedAt), g.WorkflowID,
		g.DelegatedFromUser, g.DelegatedFromGrant, g.DelegationDepth, g.MaxDelegationDepth,
		restrictions, g.BreakGlass, g.EmergencyOverride, g.EmergencyJustification,
		g.EmergencyApprover, g.UseCount, g.MaxUses, g.CreatedAt, g.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetGrant(ctx context.Context, id string) (grant.Grant, error) {
	row := s.db.QueryRowContext(ctx, `select `+grantColumns+` from role_grants where id=$1`, id)
	g, err := scanGrant(row)
	if err != nil {
		return grant.Grant{}, mapErr(err)
	}
	return g, nil
}

func (s *Store) UpdateGrant(ctx context.Context, g *grant.Grant) error {
	restrictions, _ := marshalJSON(g.Restrictions)
	res, err := s.db.ExecContext(ctx, `
		update role_grants set status=$2, expires_at=$3, approved_by=$4, approved_at=$5,
			emergency_approver=$6, use_count=$7, updated_at=$8, restrictions=$9
		where id=$1
	`, g.ID, g.Status, nullableTime(g.ExpiresAt), g.ApprovedBy, nullableTime(g.ApprovedAt),
		g.EmergencyApprover, g.UseCount, g.UpdatedAt, restrictions)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grant %s", store.ErrNotFound, g.ID)
	}
	return nil
}

func (s *Store) GrantsByUser(ctx context.Context, tenantID, userID string) ([]grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from role_grants
		where tenant_id=$1 and user_id=$2 order by id
	`, tenantID, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, g)
	}
	return out, mapErr(rows.Err())
}

const auditColumns = `tenant_id, sequence, id, ts, user_id, session_id, event_type,
	severity, actor_id, target_id, resource, action, outcome, reason, risk_score,
	risk_factors, detail, prev_hash, hash, key_id, signature, legal_hold`

func (s *Store) Tail(ctx context.Context, tenantID string) (audit.Tail, error) {
	var t audit.Tail
	err := s.db.QueryRowContext(ctx, `
		select sequence, hash from audit_events
		where tenant_id=$1 order by sequence desc limit 1
	`, tenantID).Scan(&t.Sequence, &t.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Tail{}, nil
	}
	if err != nil {
		return audit.Tail{}, mapErr(err)
	}
	return t, nil
}

// AppendEvent relies on the (tenant_id, sequence) primary key: a racing
// writer that consumed the same tail inserts the same sequence and loses
// with a unique violation, which surfaces as store.ErrConflict.
func (s *Store) AppendEvent(ctx context.Context, ev *audit.Event) error {
	factors, _ := marshalJSON(ev.RiskFactors)
	detail, _ := marshalJSON(ev.Detail)
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, ev.TenantID, ev.Sequence, ev.ID, ev.Timestamp, ev.UserID, ev.SessionID, ev.Type,
		ev.Severity, ev.ActorID, ev.TargetID, ev.Resource, ev.Action, ev.Outcome, ev.Reason,
		ev.RiskScore, factors, detail, ev.PrevHash, ev.Hash, ev.KeyID, ev.Signature, ev.LegalHold)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%w: audit tail moved", store.ErrConflict)
	}
	return mapErr(err)
}

func scanEvent(row interface{ Scan(...any) error }) (audit.Event, error) {
	var ev audit.Event
	var factors, detail []byte
	err := row.Scan(&ev.TenantID, &ev.Sequence, &ev.ID, &ev.Timestamp, &ev.UserID,
		&ev.SessionID, &ev.Type, &ev.Severity, &ev.ActorID, &ev.TargetID, &ev.Resource,
		&ev.Action, &ev.Outcome, &ev.Reason, &ev.RiskScore, &factors, &detail,
		&ev.PrevHash, &ev.Hash, &ev.KeyID, &ev.Signature, &ev.LegalHold)
	if err != nil {
		return audit.Event{}, err
	}
	ev.RiskFactors = unmarshalStrings(factors)
	ev.Detail = unmarshalStrings(detail)
	return ev, nil
}

func (s *Store) eventsWhere(ctx context.Context, where string, args ...any) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `select `+auditColumns+` from audit_events `+where, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, ev)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]audit.Event, error) {
	if toSeq == 0 {
		return s.eventsWhere(ctx,
			`where tenant_id=$1 and sequence >= $2 order by sequence`, tenantID, fromSeq)
	}
	return s.eventsWhere(ctx,
		`where tenant_id=$1 and sequence between $2 and $3 order by sequence`,
		tenantID, fromSeq, toSeq)
}

func (s *Store) Search(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	where := []string{"tenant_id=$1"}
	args := []any{q.TenantID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != "" {
		add("user_id=$%d", q.UserID)
	}
	if q.SessionID != "" {
		add("session_id=$%d", q.SessionID)
	}
	if q.Type != "" {
		add("event_type=$%d", string(q.Type))
	}
	if !q.From.IsZero() {
		add("ts >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("ts <= $%d", q.To)
	}
	if q.FromSeq > 0 {
		add("sequence >= $%d", q.FromSeq)
	}
	if q.ToSeq > 0 {
		add("sequence <= $%d", q.ToSeq)
	}
	clause := "where " + strings.Join(where, " and ") + " order by sequence"
	if q.Limit > 0 {
		clause += fmt.Sprintf(" limit %d", q.Limit)
	}
	return s.eventsWhere(ctx, clause, args...)
}

func (s *Store) SetSignature(ctx context.Context, tenantID string, seq uint64, keyID, signature string) error {
	res, err := s.db.ExecContext(ctx, `
		update audit_events set key_id=$3, signature=$4
		where tenant_id=$1 and sequence=$2
	`, tenantID, seq, keyID, signature)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: audit sequence %d", store.ErrNotFound, seq)
	}
	return nil
}

func (s *Store) SetLegalHold(ctx context.Context, tenantID string, fromSeq, toSeq uint64, held bool) error {
	if toSeq == 0 {
		_, err := s.db.ExecContext(ctx, `
			update audit_events set legal_hold=$3
			where tenant_id=$1 and sequence >= $2
		`, tenantID, fromSeq, held)
		return mapErr(err)
	}
	_, err := s.db.ExecContext(ctx, `
		update audit_events set legal_hold=$4
		where tenant_id=$1 and sequence between $2 and $3
	`, tenantID, fromSeq, toSeq, held)
	return mapErr(err)
}

func (s *Store) Purge(ctx context.Context, tenantID string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from audit_events
		where tenant_id=$1 and ts < $2 and not legal_hold
	`, tenantID, before)
	if err != nil {
		return 0, mapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
