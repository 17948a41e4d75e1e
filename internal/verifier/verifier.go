// Package verifier classifies where a sent message landed in the
// receiving mailbox. It only observes: no message is ever moved,
// flagged, or deleted during verification.
package verifier

import (
	"context"
	"fmt"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/pkg/logger"
	"github.com/ignite/warmup-engine/internal/transport"
)

// ErrBadMessageID short-circuits verification for records whose
// Message-Id is missing or malformed; the caller classifies those as
// failed rather than letting them pass silently.
var ErrBadMessageID = fmt.Errorf("missing or malformed message id")

// Result is the placement classification for one message.
type Result struct {
	Folder      string
	Exists      bool
	InboxPlaced bool
	// Skipped is true when the channel is verified by policy rather
	// than by polling (server-confirmed sends, no inspectable mailbox).
	Skipped bool
}

// Inspector is the mailbox-polling capability. It must not mutate
// mailbox state.
type Inspector interface {
	FindByMessageID(ctx context.Context, creds *account.IMAPCredentials, folders []string, messageID string) (folder string, found bool, err error)
}

// Folder candidate lists, checked in order, inbox first. The secondary
// folders are the provider-specific places a warmup message commonly
// lands before reputation improves.
var folderCandidates = map[account.AccountKind][]string{
	account.KindGoogle:          {"INBOX", "[Gmail]/Important", "[Gmail]/All Mail", "[Gmail]/Spam"},
	account.KindOutlookPersonal: {"INBOX", "Important", "Junk", "Spam"},
	account.KindCustomSMTP:      {"INBOX", "Spam", "Junk", "Bulk"},
	account.KindPool:            {"INBOX", "Spam", "Junk", "Bulk"},
}

var spamFolders = map[string]bool{
	"[Gmail]/Spam": true,
	"Junk":         true,
	"Spam":         true,
	"Bulk":         true,
}

// IsSpamFolder reports whether a placement folder carries a spam signal.
func IsSpamFolder(folder string) bool {
	return spamFolders[folder]
}

// Verifier applies the skip policy and drives the inspector.
type Verifier struct {
	inspector Inspector
}

// NewVerifier creates a verifier over the given inspector.
func NewVerifier(inspector Inspector) *Verifier {
	return &Verifier{inspector: inspector}
}

// Verify classifies placement of messageID in the receiver's mailbox.
//
// Skip-by-design cases return an explicit Skipped result that defaults
// to delivered: delegated-API receivers are server-confirmed, and
// accounts with no IMAP credential have nothing to poll. This is
// policy, not inference, and callers must treat it as delivered.
func (v *Verifier) Verify(ctx context.Context, receiver *account.Account, messageID string) (*Result, error) {
	if !transport.ValidMessageID(messageID) {
		return nil, ErrBadMessageID
	}

	if receiver.Kind == account.KindMicrosoftOrg || receiver.IMAP == nil {
		logger.Debug("verification skipped by policy",
			"receiver", receiver.Email, "kind", string(receiver.Kind))
		return &Result{Folder: "INBOX", Exists: true, InboxPlaced: true, Skipped: true}, nil
	}

	folders := folderCandidates[receiver.Kind]
	if len(folders) == 0 {
		folders = folderCandidates[account.KindCustomSMTP]
	}

	folder, found, err := v.inspector.FindByMessageID(ctx, receiver.IMAP, folders, messageID)
	if err != nil {
		return nil, fmt.Errorf("inspect mailbox of %s: %w", receiver.Email, err)
	}
	if !found {
		return &Result{Exists: false}, nil
	}
	return &Result{
		Folder:      folder,
		Exists:      true,
		InboxPlaced: !IsSpamFolder(folder),
	}, nil
}
