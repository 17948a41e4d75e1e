package account

import (
	"strings"
)

// AccountKind identifies the provider family an account belongs to.
// It is decided once when the account is linked and stored; runtime code
// must never re-derive it by probing credential fields.
type AccountKind string

const (
	KindGoogle          AccountKind = "google"
	KindOutlookPersonal AccountKind = "outlook_personal"
	KindMicrosoftOrg    AccountKind = "microsoft_org"
	KindCustomSMTP      AccountKind = "custom_smtp"
	KindPool            AccountKind = "pool"
)

// IsWarmup reports whether the account is in the warmup program
// (as opposed to being a shared pool counterpart).
func (k AccountKind) IsWarmup() bool {
	return k != KindPool
}

// Status is the administrative state of an account.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusBlocked Status = "blocked"
)

// SMTPCredentials holds password-based submission credentials.
// For Google accounts the password is an app password.
type SMTPCredentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// OAuthCredentials holds OAuth2 material. For MicrosoftOrg accounts the
// tenant/client pair drives the delegated Graph API channel; for other
// kinds the refresh token drives XOAUTH2 SMTP submission.
type OAuthCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// IMAPCredentials holds mailbox-inspection credentials. Accounts without
// an inspectable mailbox leave this nil and are verified by policy only.
type IMAPCredentials struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// Account is a warmup or pool mail account with its quota-curve shape.
type Account struct {
	Email          string
	DisplayName    string
	Kind           AccountKind
	Status         Status
	ReauthRequired bool

	WarmupDayCount int
	StartPerDay    int
	IncreasePerDay int
	MaxPerDay      int
	ReplyRate      float64

	SMTP  *SMTPCredentials
	OAuth *OAuthCredentials
	IMAP  *IMAPCredentials
}

// Domain returns the domain part of the account email, or "" when the
// address is malformed.
func (a *Account) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at < 0 || at == len(a.Email)-1 {
		return ""
	}
	return a.Email[at+1:]
}

// Eligible reports whether the account may participate in planning:
// active, not awaiting reauthentication.
func (a *Account) Eligible() bool {
	return a.Status == StatusActive && !a.ReauthRequired
}

// EffectiveReplyRate clamps the configured reply rate. Warmup accounts
// never reply above the platform cap; pool accounts keep their own rate
// as long as it is a valid probability.
func (a *Account) EffectiveReplyRate(cap float64) float64 {
	rate := a.ReplyRate
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		rate = 1
	}
	if a.Kind.IsWarmup() && rate > cap {
		return cap
	}
	return rate
}
