package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/httpretry"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphTransport is the delegated-API channel for organizational
// Microsoft accounts. Graph confirms delivery at send time, so results
// carry the skip-verification hint.
type GraphTransport struct {
	client  httpretry.HTTPDoer
	baseURL string
}

// NewGraphTransport creates the Graph channel with a retrying HTTP
// client. Pass a non-nil doer to override the client in tests.
func NewGraphTransport(doer httpretry.HTTPDoer) *GraphTransport {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, 3)
	}
	return &GraphTransport{client: doer, baseURL: graphBaseURL}
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphSendRequest struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients      []graphRecipient `json:"toRecipients"`
		InternetMessageID string           `json:"internetMessageId"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

// Send submits through POST /users/{sender}/sendMail using an app-only
// client-credentials token for the account's tenant.
func (t *GraphTransport) Send(ctx context.Context, acct *account.Account, msg *Message) (*SendResult, error) {
	if acct.OAuth == nil || acct.OAuth.TenantID == "" {
		return nil, NewSendError(KindConfigError, "missing Graph tenant credentials")
	}

	creds := &clientcredentials.Config{
		ClientID:     acct.OAuth.ClientID,
		ClientSecret: acct.OAuth.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", acct.OAuth.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	token, err := creds.Token(ctx)
	if err != nil {
		return nil, WrapSendError(KindAuthRequired, "graph token acquisition failed", err)
	}

	var req graphSendRequest
	req.Message.Subject = msg.Subject
	req.Message.Body.ContentType = "Text"
	req.Message.Body.Content = msg.Body
	recipient := graphRecipient{}
	recipient.EmailAddress.Address = msg.To
	req.Message.ToRecipients = []graphRecipient{recipient}
	req.Message.InternetMessageID = msg.MessageID
	req.SaveToSentItems = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal graph request: %w", err)
	}

	url := fmt.Sprintf("%s/users/%s/sendMail", t.baseURL, msg.From)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, WrapSendError(KindSoftBounce, "graph request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		kind := classifyHTTPStatus(resp.StatusCode)
		return nil, WrapSendError(kind, "graph sendMail rejected",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(detail)))
	}

	logger.Debug("graph message submitted",
		"sender", msg.From, "receiver", msg.To, "message_id", msg.MessageID)
	return &SendResult{
		MessageID:     msg.MessageID,
		Channel:       ChannelDelegatedAPI,
		DeliveredHint: HintSkip,
	}, nil
}
