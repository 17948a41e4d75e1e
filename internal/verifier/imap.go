package verifier

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ignite/warmup-engine/internal/account"
)

// IMAPInspector polls mailboxes over IMAP. Searches use SEARCH on the
// Message-Id header with peek semantics only; nothing is stored, moved,
// or flagged.
type IMAPInspector struct{}

// NewIMAPInspector creates the IMAP mailbox inspector.
func NewIMAPInspector() *IMAPInspector {
	return &IMAPInspector{}
}

func (i *IMAPInspector) connect(creds *account.IMAPCredentials) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if creds.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("IMAP login for %s: %w", creds.Username, err)
	}
	return client, nil
}

// FindByMessageID walks the candidate folders in order and returns the
// first one containing the message. Folders the server does not expose
// are skipped rather than treated as errors, since the candidate lists
// are broader than any one provider's layout.
func (i *IMAPInspector) FindByMessageID(ctx context.Context, creds *account.IMAPCredentials, folders []string, messageID string) (string, bool, error) {
	client, err := i.connect(creds)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: messageID},
		},
	}

	for _, folder := range folders {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}

		if _, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			continue
		}

		searchData, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			continue
		}
		if len(searchData.AllUIDs()) > 0 {
			return folder, true, nil
		}
	}
	return "", false, nil
}
