package account

import (
	"context"
	"database/sql"
	"fmt"
)

// Directory is the account lookup/update collaborator. Planning and
// dispatch read capability and quota parameters through it; only status
// and reauth flags are written back from the engine side.
type Directory interface {
	Get(ctx context.Context, email string) (*Account, error)
	ListEligible(ctx context.Context) ([]*Account, error)
	SetStatus(ctx context.Context, email string, status Status) error
	MarkReauthRequired(ctx context.Context, email string) error
	ClearReauthRequired(ctx context.Context, email string) error
	// AdvanceWarmupDays increments warmup_day_count for every active
	// account, advancing the quota curve at the daily boundary.
	AdvanceWarmupDays(ctx context.Context) (int64, error)
}

// ErrNotFound is returned when no account exists for the given email.
var ErrNotFound = fmt.Errorf("account not found")

// PostgresDirectory implements Directory against the accounts table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a Postgres-backed account directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const accountColumns = `
	email, display_name, account_kind, status, reauth_required,
	warmup_day_count, start_per_day, increase_per_day, max_per_day, reply_rate,
	smtp_host, smtp_port, smtp_username, smtp_password,
	oauth_tenant_id, oauth_client_id, oauth_client_secret, oauth_refresh_token,
	imap_host, imap_port, imap_username, imap_password, imap_tls`

// Get looks up a single account by email.
func (d *PostgresDirectory) Get(ctx context.Context, email string) (*Account, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM warmup_accounts
		WHERE email = $1`, email)

	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// ListEligible returns all active accounts that are not flagged for
// reauthentication, ordered by email for deterministic planning input.
func (d *PostgresDirectory) ListEligible(ctx context.Context) ([]*Account, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM warmup_accounts
		WHERE status = 'active' AND reauth_required = FALSE
		ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// SetStatus updates the administrative status of an account.
func (d *PostgresDirectory) SetStatus(ctx context.Context, email string, status Status) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE warmup_accounts
		SET status = $2, updated_at = NOW()
		WHERE email = $1`, email, string(status))
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReauthRequired flags an account whose OAuth token can no longer be
// refreshed. Flagged accounts are excluded from planning until an
// external reauthentication flow clears the flag.
func (d *PostgresDirectory) MarkReauthRequired(ctx context.Context, email string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE warmup_accounts
		SET reauth_required = TRUE, updated_at = NOW()
		WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("mark reauth required: %w", err)
	}
	return nil
}

// ClearReauthRequired re-admits an account after reauthentication.
func (d *PostgresDirectory) ClearReauthRequired(ctx context.Context, email string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE warmup_accounts
		SET reauth_required = FALSE, updated_at = NOW()
		WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("clear reauth required: %w", err)
	}
	return nil
}

// AdvanceWarmupDays ages every active account by one day in the program.
func (d *PostgresDirectory) AdvanceWarmupDays(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE warmup_accounts
		SET warmup_day_count = warmup_day_count + 1, updated_at = NOW()
		WHERE status = 'active'`)
	if err != nil {
		return 0, fmt.Errorf("advance warmup days: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance warmup days: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                                  Account
		kind, status                       string
		smtpHost, smtpUser, smtpPass       sql.NullString
		smtpPort                           sql.NullInt64
		oaTenant, oaClient, oaSecret       sql.NullString
		oaRefresh                          sql.NullString
		imapHost, imapUser, imapPass       sql.NullString
		imapPort                           sql.NullInt64
		imapTLS                            sql.NullBool
	)

	err := row.Scan(
		&a.Email, &a.DisplayName, &kind, &status, &a.ReauthRequired,
		&a.WarmupDayCount, &a.StartPerDay, &a.IncreasePerDay, &a.MaxPerDay, &a.ReplyRate,
		&smtpHost, &smtpPort, &smtpUser, &smtpPass,
		&oaTenant, &oaClient, &oaSecret, &oaRefresh,
		&imapHost, &imapPort, &imapUser, &imapPass, &imapTLS,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = AccountKind(kind)
	a.Status = Status(status)

	if smtpHost.Valid && smtpHost.String != "" {
		a.SMTP = &SMTPCredentials{
			Host:     smtpHost.String,
			Port:     int(smtpPort.Int64),
			Username: smtpUser.String,
			Password: smtpPass.String,
		}
	}
	if oaClient.Valid && oaClient.String != "" {
		a.OAuth = &OAuthCredentials{
			TenantID:     oaTenant.String,
			ClientID:     oaClient.String,
			ClientSecret: oaSecret.String,
			RefreshToken: oaRefresh.String,
		}
	}
	if imapHost.Valid && imapHost.String != "" {
		a.IMAP = &IMAPCredentials{
			Host:     imapHost.String,
			Port:     int(imapPort.Int64),
			Username: imapUser.String,
			Password: imapPass.String,
			TLS:      imapTLS.Bool,
		}
	}

	return &a, nil
}
