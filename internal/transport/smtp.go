package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
)

// Provider token endpoints for refresh-token based SMTP submission.
const (
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	microsoftTokenURL = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
)

// SMTPTransport submits messages over SMTP with STARTTLS (or implicit
// TLS on port 465), authenticating with either a password or an OAuth2
// bearer token.
type SMTPTransport struct{}

// NewSMTPTransport creates the SMTP submission channel.
func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{}
}

// SendPassword submits with PLAIN authentication. Google accounts use an
// app password here.
func (t *SMTPTransport) SendPassword(ctx context.Context, acct *account.Account, msg *Message) (*SendResult, error) {
	if acct.SMTP == nil {
		return nil, NewSendError(KindConfigError, "missing SMTP credentials")
	}
	auth := sasl.NewPlainClient("", acct.SMTP.Username, acct.SMTP.Password)
	return t.submit(ctx, acct, msg, auth, ChannelSMTP)
}

// SendOAuth submits with an OAUTHBEARER token minted from the account's
// refresh token. A dead refresh token classifies as AuthRequired so the
// account gets flagged for reauthentication.
func (t *SMTPTransport) SendOAuth(ctx context.Context, acct *account.Account, msg *Message) (*SendResult, error) {
	if acct.OAuth == nil || acct.OAuth.RefreshToken == "" {
		return nil, NewSendError(KindConfigError, "missing OAuth refresh token")
	}
	if acct.SMTP == nil || acct.SMTP.Host == "" {
		return nil, NewSendError(KindConfigError, "missing SMTP host for OAuth submission")
	}

	token, err := t.freshToken(ctx, acct)
	if err != nil {
		return nil, WrapSendError(KindAuthRequired, "token refresh failed", err)
	}

	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: acct.Email,
		Token:    token,
		Host:     acct.SMTP.Host,
		Port:     acct.SMTP.Port,
	})
	return t.submit(ctx, acct, msg, auth, ChannelOAuthSMTP)
}

func (t *SMTPTransport) freshToken(ctx context.Context, acct *account.Account) (string, error) {
	tokenURL := googleTokenURL
	if acct.Kind == account.KindOutlookPersonal {
		tokenURL = microsoftTokenURL
	}
	cfg := &oauth2.Config{
		ClientID:     acct.OAuth.ClientID,
		ClientSecret: acct.OAuth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.OAuth.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (t *SMTPTransport) submit(ctx context.Context, acct *account.Account, msg *Message, auth sasl.Client, channel Channel) (*SendResult, error) {
	addr := fmt.Sprintf("%s:%d", acct.SMTP.Host, acct.SMTP.Port)

	var (
		client *smtp.Client
		err    error
	)
	if acct.SMTP.Port == 465 {
		client, err = smtp.DialTLS(addr, nil)
	} else {
		client, err = smtp.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, WrapSendError(KindSoftBounce, fmt.Sprintf("dial %s", addr), err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return nil, WrapSendError(Classify(err), "smtp auth", err)
	}

	raw, err := buildRFC822(msg)
	if err != nil {
		return nil, WrapSendError(KindConfigError, "render message", err)
	}
	if err := client.SendMail(msg.From, []string{msg.To}, strings.NewReader(raw)); err != nil {
		return nil, WrapSendError(Classify(err), "smtp send", err)
	}
	_ = client.Quit()

	logger.Debug("smtp message submitted",
		"sender", msg.From, "receiver", msg.To, "message_id", msg.MessageID)
	return &SendResult{
		MessageID:     msg.MessageID,
		Channel:       channel,
		DeliveredHint: HintVerify,
	}, nil
}

// buildRFC822 renders the message with its headers. The Message-Id is
// caller-supplied so the verifier can search for it later.
func buildRFC822(msg *Message) (string, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	if msg.InReplyTo != "" {
		ref := strings.Trim(msg.InReplyTo, "<>")
		h.SetMsgIDList("In-Reply-To", []string{ref})
		h.SetMsgIDList("References", []string{ref})
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
