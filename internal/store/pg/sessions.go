package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trustplane.org/internal/session"
	"trustplane.org/internal/store"
	"trustplane.org/internal/token"
)

var (
	_ session.Store       = (*Store)(nil)
	_ session.DeviceStore = (*Store)(nil)
	_ token.Store         = (*Store)(nil)
)

const sessionColumns = `id, tenant_id, user_id, device_id, status, auth_method,
	mfa_completed, step_up_complete, step_up_pending, risk_level, risk_score,
	risk_factors, scopes, consent_scopes, token_family_id, remember_me,
	last_ip, last_lat, last_lon, has_geo, created_at, expires_at,
	last_activity_at, end_reason`

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	pending, _ := marshalJSON(sess.StepUpPending)
	factors, _ := marshalJSON(sess.RiskFactors)
	scopes, _ := marshalJSON(sess.Scopes)
	consent, _ := marshalJSON(sess.ConsentScopes)
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, sess.ID, sess.TenantID, sess.UserID, sess.DeviceID, sess.Status, sess.AuthMethod,
		sess.MFACompleted, sess.StepUpComplete, pending, sess.RiskLevel, sess.RiskScore,
		factors, scopes, consent, sess.TokenFamilyID, sess.RememberMe,
		sess.LastIP, sess.LastLat, sess.LastLon, sess.HasGeo, sess.CreatedAt, sess.ExpiresAt,
		sess.LastActivityAt, sess.EndReason)
	return mapErr(err)
}

func scanSession(row interface{ Scan(...any) error }) (session.Session, error) {
	var sess session.Session
	var pending, factors, scopes, consent []byte
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.DeviceID, &sess.Status,
		&sess.AuthMethod, &sess.MFACompleted, &sess.StepUpComplete, &pending,
		&sess.RiskLevel, &sess.RiskScore, &factors, &scopes, &consent,
		&sess.TokenFamilyID, &sess.RememberMe, &sess.LastIP, &sess.LastLat, &sess.LastLon,
		&sess.HasGeo, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt, &sess.EndReason)
	if err != nil {
		return session.Session{}, err
	}
	sess.StepUpPending = unmarshalStrings(pending)
	sess.RiskFactors = unmarshalStrings(factors)
	sess.Scopes = unmarshalStrings(scopes)
	sess.ConsentScopes = unmarshalStrings(consent)
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return session.Session{}, mapErr(err)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	pending, _ := marshalJSON(sess.StepUpPending)
	factors, _ := marshalJSON(sess.RiskFactors)
	scopes, _ := marshalJSON(sess.Scopes)
	consent, _ := marshalJSON(sess.ConsentScopes)
	res, err := s.db.ExecContext(ctx, `
		update sessions set status=$2, auth_method=$3, mfa_completed=$4,
			step_up_complete=$5, step_up_pending=$6, risk_level=$7, risk_score=$8,
			risk_factors=$9, scopes=$10, consent_scopes=$11, remember_me=$12,
			last_ip=$13, last_lat=$14, last_lon=$15, has_geo=$16, expires_at=$17,
			last_activity_at=$18, end_reason=$19
		where id=$1
	`, sess.ID, sess.Status, sess.AuthMethod, sess.MFACompleted,
		sess.StepUpComplete, pending, sess.RiskLevel, sess.RiskScore,
		factors, scopes, consent, sess.RememberMe,
		sess.LastIP, sess.LastLat, sess.LastLon, sess.HasGeo, sess.ExpiresAt,
		sess.LastActivityAt, sess.EndReason)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", store.ErrNotFound, sess.ID)
	}
	return nil
}

func (s *Store) sessionsWhere(ctx context.Context, where string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `select `+sessionColumns+` from sessions `+where, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, sess)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) ActiveByUser(ctx context.Context, tenantID, userID string) ([]session.Session, error) {
	return s.sessionsWhere(ctx,
		`where tenant_id=$1 and user_id=$2 and status=$3 order by created_at`,
		tenantID, userID, session.StatusActive)
}

func (s *Store) ActiveSessions(ctx context.Context) ([]session.Session, error) {
	return s.sessionsWhere(ctx, `where status=$1 order by created_at`, session.StatusActive)
}

const deviceColumns = `id, tenant_id, user_id, fingerprint_hash, user_agent, trusted,
	trust_score, has_tpm, attestation_verified, auth_successes, auth_failures,
	blocked, first_seen_at, last_seen_at`

func (s *Store) CreateDevice(ctx context.Context, d *session.Device) error {
	_, err := s.db.ExecContext(ctx, `
		insert into devices (`+deviceColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, d.ID, d.TenantID, d.UserID, d.FingerprintHash, d.UserAgent, d.Trusted,
		d.TrustScore, d.HasTPM, d.AttestationVerified, d.AuthSuccesses, d.AuthFailures,
		d.Blocked, d.FirstSeenAt, d.LastSeenAt)
	return mapErr(err)
}

func scanDevice(row interface{ Scan(...any) error }) (session.Device, error) {
	var d session.Device
	err := row.Scan(&d.ID, &d.TenantID, &d.UserID, &d.FingerprintHash, &d.UserAgent,
		&d.Trusted, &d.TrustScore, &d.HasTPM, &d.AttestationVerified,
		&d.AuthSuccesses, &d.AuthFailures, &d.Blocked, &d.FirstSeenAt, &d.LastSeenAt)
	return d, err
}

func (s *Store) GetDevice(ctx context.Context, id string) (session.Device, error) {
	row := s.db.QueryRowContext(ctx, `select `+deviceColumns+` from devices where id=$1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return session.Device{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) UpdateDevice(ctx context.Context, d *session.Device) error {
	res, err := s.db.ExecContext(ctx, `
		update devices set user_agent=$2, trusted=$3, trust_score=$4, has_tpm=$5,
			attestation_verified=$6, auth_successes=$7, auth_failures=$8,
			blocked=$9, last_seen_at=$10
		where id=$1
	`, d.ID, d.UserAgent, d.Trusted, d.TrustScore, d.HasTPM,
		d.AttestationVerified, d.AuthSuccesses, d.AuthFailures, d.Blocked, d.LastSeenAt)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, d.ID)
	}
	return nil
}

func (s *Store) DeviceByFingerprint(ctx context.Context, tenantID, userID, fingerprintHash string) (session.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+deviceColumns+` from devices
		where tenant_id=$1 and user_id=$2 and fingerprint_hash=$3
	`, tenantID, userID, fingerprintHash)
	d, err := scanDevice(row)
	if err != nil {
		return session.Device{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) CreateToken(ctx context.Context, t *token.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, family_id, tenant_id, user_id, session_id,
			token_hash, expires_at, created_at, revoked, superseded_by)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.FamilyID, t.TenantID, t.UserID, t.SessionID,
		t.TokenHash, t.ExpiresAt, t.CreatedAt, t.Revoked, t.SupersededBy)
	return mapErr(err)
}

func (s *Store) GetToken(ctx context.Context, id string) (token.RefreshToken, error) {
	var t token.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, family_id, tenant_id, user_id, session_id, token_hash,
			expires_at, created_at, revoked, superseded_by
		from refresh_tokens where id=$1
	`, id).Scan(&t.ID, &t.FamilyID, &t.TenantID, &t.UserID, &t.SessionID, &t.TokenHash,
		&t.ExpiresAt, &t.CreatedAt, &t.Revoked, &t.SupersededBy)
	if errors.Is(err, sql.ErrNoRows) {
		return token.RefreshToken{}, fmt.Errorf("%w: token %s", store.ErrNotFound, id)
	}
	if err != nil {
		return token.RefreshToken{}, mapErr(err)
	}
	return t, nil
}

func (s *Store) MarkSuperseded(ctx context.Context, id, successorID string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set superseded_by=$2 where id=$1`, id, successorID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: token %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where family_id=$1`, familyID)
	return mapErr(err)
}
