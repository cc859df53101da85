package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port
// interface. Access and refresh tokens are sealed before write and opened
// after read.
type CredentialRepo struct {
	db     *DB
	sealer driven.Sealer // nil when encryption is disabled.
	now    func() time.Time
}

// NewCredentialRepo creates a new CredentialRepo. A nil sealer disables
// credential storage; every operation touching token material returns
// driven.ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, sealer driven.Sealer) *CredentialRepo {
	return &CredentialRepo{db: db, sealer: sealer, now: time.Now}
}

// Save inserts a new credential.
func (r *CredentialRepo) Save(ctx context.Context, cred model.ProviderCredential) (model.ProviderCredential, error) {
	access, err := r.seal(cred.AccessToken)
	if err != nil {
		return model.ProviderCredential{}, err
	}
	refresh, err := r.seal(cred.RefreshToken)
	if err != nil {
		return model.ProviderCredential{}, err
	}

	scopes, err := marshalScopes(cred.Scopes)
	if err != nil {
		return model.ProviderCredential{}, err
	}

	now := r.now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	const query = `
		INSERT INTO provider_credentials (
			user_id, provider, account_id, access_token, refresh_token, scopes,
			expires_at, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.Writer.ExecContext(ctx, query,
		cred.UserID, cred.Provider, cred.AccountID, access, refresh, scopes,
		nullTime(&cred.ExpiresAt), boolToInt(cred.Active),
		formatTime(cred.CreatedAt), formatTime(cred.UpdatedAt),
	)
	if err != nil {
		return model.ProviderCredential{}, fmt.Errorf("save credential %s/%s: %w", cred.UserID, cred.Provider, err)
	}

	cred.ID, err = result.LastInsertId()
	if err != nil {
		return model.ProviderCredential{}, fmt.Errorf("credential id: %w", err)
	}
	return cred, nil
}

// LatestActive returns the newest active credential for (user, provider).
// Returns nil, nil when none exists.
func (r *CredentialRepo) LatestActive(ctx context.Context, userID, provider string) (*model.ProviderCredential, error) {
	const query = `
		SELECT id, user_id, provider, account_id, access_token, refresh_token, scopes,
		       expires_at, active, created_at, updated_at
		FROM provider_credentials
		WHERE user_id = ? AND provider = ? AND active = 1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var (
		cred                 model.ProviderCredential
		access, refresh      string
		scopes               string
		expiresAt            sql.NullString
		active               int
		createdAt, updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, userID, provider).Scan(
		&cred.ID, &cred.UserID, &cred.Provider, &cred.AccountID, &access, &refresh, &scopes,
		&expiresAt, &active, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest credential %s/%s: %w", userID, provider, err)
	}

	if cred.AccessToken, err = r.open(access); err != nil {
		return nil, err
	}
	if cred.RefreshToken, err = r.open(refresh); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &cred.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}

	exp, err := parseNullTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if exp != nil {
		cred.ExpiresAt = *exp
	}
	cred.Active = active == 1
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &cred, nil
}

// UpdateTokens persists a refreshed grant. Empty refresh token and scope set
// keep the stored values.
func (r *CredentialRepo) UpdateTokens(ctx context.Context, id int64, grant model.TokenGrant, updatedAt time.Time) error {
	access, err := r.seal(grant.AccessToken)
	if err != nil {
		return err
	}

	var refresh sql.NullString
	if grant.RefreshToken != "" {
		sealed, err := r.seal(grant.RefreshToken)
		if err != nil {
			return err
		}
		refresh = sql.NullString{String: sealed, Valid: true}
	}

	var scopes sql.NullString
	if len(grant.Scopes) > 0 {
		encoded, err := marshalScopes(grant.Scopes)
		if err != nil {
			return err
		}
		scopes = sql.NullString{String: encoded, Valid: true}
	}

	const query = `
		UPDATE provider_credentials SET
			access_token = ?,
			refresh_token = COALESCE(?, refresh_token),
			scopes = COALESCE(?, scopes),
			expires_at = ?,
			updated_at = ?
		WHERE id = ?
	`

	_, err = r.db.Writer.ExecContext(ctx, query,
		access, refresh, scopes, nullTime(&grant.ExpiresAt), formatTime(updatedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update credential %d: %w", id, err)
	}
	return nil
}

// UpdateRefreshToken replaces the sealed refresh token only.
func (r *CredentialRepo) UpdateRefreshToken(ctx context.Context, id int64, refreshToken string, updatedAt time.Time) error {
	sealed, err := r.seal(refreshToken)
	if err != nil {
		return err
	}

	const query = `UPDATE provider_credentials SET refresh_token = ?, updated_at = ? WHERE id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, sealed, formatTime(updatedAt), id); err != nil {
		return fmt.Errorf("update refresh token %d: %w", id, err)
	}
	return nil
}

// Deactivate marks a credential inactive.
func (r *CredentialRepo) Deactivate(ctx context.Context, id int64) error {
	const query = `UPDATE provider_credentials SET active = 0, updated_at = ? WHERE id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, formatTime(r.now()), id); err != nil {
		return fmt.Errorf("deactivate credential %d: %w", id, err)
	}
	return nil
}

// UpsertIdentity links a normalized profile to a credential.
func (r *CredentialRepo) UpsertIdentity(ctx context.Context, identity model.ProviderIdentity) error {
	const query = `
		INSERT INTO provider_identities (credential_id, provider, account_id, email, display_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			provider = excluded.provider,
			account_id = excluded.account_id,
			email = excluded.email,
			display_name = excluded.display_name
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		identity.CredentialID, identity.Provider, identity.AccountID, identity.Email, identity.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert identity for credential %d: %w", identity.CredentialID, err)
	}
	return nil
}

// IdentityFor returns the identity linked to the newest active credential
// for (user, provider). Returns nil, nil when none is linked.
func (r *CredentialRepo) IdentityFor(ctx context.Context, userID, provider string) (*model.ProviderIdentity, error) {
	const query = `
		SELECT i.credential_id, i.provider, i.account_id, i.email, i.display_name
		FROM provider_identities i
		JOIN provider_credentials c ON c.id = i.credential_id
		WHERE c.user_id = ? AND c.provider = ? AND c.active = 1
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT 1
	`

	var id model.ProviderIdentity
	err := r.db.Reader.QueryRowContext(ctx, query, userID, provider).Scan(
		&id.CredentialID, &id.Provider, &id.AccountID, &id.Email, &id.DisplayName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity %s/%s: %w", userID, provider, err)
	}
	return &id, nil
}

func (r *CredentialRepo) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if r.sealer == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}
	sealed, err := r.sealer.Seal([]byte(plaintext))
	if err != nil {
		return "", &model.EncryptionError{Op: "seal credential", Err: err}
	}
	return sealed, nil
}

func (r *CredentialRepo) open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if r.sealer == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}
	plaintext, err := r.sealer.Open(sealed)
	if err != nil {
		return "", &model.EncryptionError{Op: "open credential", Err: err}
	}
	return string(plaintext), nil
}

func marshalScopes(scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(data), nil
}
