// Package transport sends warmup messages through the channel an
// account's kind supports: the delegated Graph API for organizational
// Microsoft accounts, OAuth2-authenticated SMTP submission, or
// password-credentialed SMTP submission.
package transport

import (
	"context"

	"github.com/ignite/warmup-engine/internal/account"
)

// Channel identifies a concrete send path.
type Channel string

const (
	// ChannelDelegatedAPI is provider-API sending (Microsoft Graph).
	// Delivery is server-confirmed; mailbox verification is skipped.
	ChannelDelegatedAPI Channel = "delegated_api"
	// ChannelOAuthSMTP is SMTP submission authenticated with an OAuth2
	// bearer token.
	ChannelOAuthSMTP Channel = "oauth_smtp"
	// ChannelSMTP is SMTP submission with a password or app password.
	ChannelSMTP Channel = "smtp"
)

// DeliveredHint tells the verifier whether mailbox polling is needed.
type DeliveredHint string

const (
	// HintVerify means placement must be confirmed by mailbox polling.
	HintVerify DeliveredHint = "verify"
	// HintSkip means delivery was confirmed server-side at send time.
	HintSkip DeliveredHint = "skip"
)

// Message is one outbound warmup email.
type Message struct {
	From      string
	FromName  string
	To        string
	Subject   string
	Body      string
	MessageID string
	// InReplyTo carries the original Message-Id when this is a reply.
	InReplyTo string
}

// SendResult reports the outcome of a successful send.
type SendResult struct {
	MessageID     string
	Channel       Channel
	DeliveredHint DeliveredHint
}

// Transport is the send capability consumed by the dispatch worker.
type Transport interface {
	Send(ctx context.Context, acct *account.Account, msg *Message) (*SendResult, error)
}

// Router resolves an account to its channel and delegates to the
// matching sender. There is no fallback out of the delegated API: a
// MicrosoftOrg account with broken Graph credentials fails rather than
// degrading to password submission the provider forbids.
type Router struct {
	graph *GraphTransport
	smtp  *SMTPTransport
}

// NewRouter wires the channel implementations.
func NewRouter(graph *GraphTransport, smtp *SMTPTransport) *Router {
	return &Router{graph: graph, smtp: smtp}
}

// ResolveChannel maps an account's kind and credentials to a channel, in
// priority order delegated-API, OAuth2 SMTP, credentialed SMTP.
func ResolveChannel(acct *account.Account) (Channel, error) {
	if acct.Kind == account.KindMicrosoftOrg {
		if acct.OAuth == nil || acct.OAuth.TenantID == "" || acct.OAuth.ClientID == "" {
			return "", NewSendError(KindConfigError, "microsoft_org account missing Graph credentials")
		}
		return ChannelDelegatedAPI, nil
	}
	if acct.OAuth != nil && acct.OAuth.RefreshToken != "" {
		return ChannelOAuthSMTP, nil
	}
	if acct.SMTP != nil && acct.SMTP.Host != "" && acct.SMTP.Password != "" {
		return ChannelSMTP, nil
	}
	return "", NewSendError(KindConfigError, "account has no usable send channel")
}

// Send dispatches the message through the account's resolved channel.
func (r *Router) Send(ctx context.Context, acct *account.Account, msg *Message) (*SendResult, error) {
	channel, err := ResolveChannel(acct)
	if err != nil {
		return nil, err
	}

	switch channel {
	case ChannelDelegatedAPI:
		return r.graph.Send(ctx, acct, msg)
	case ChannelOAuthSMTP:
		return r.smtp.SendOAuth(ctx, acct, msg)
	default:
		return r.smtp.SendPassword(ctx, acct, msg)
	}
}
