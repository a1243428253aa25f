package model

import (
	"strings"
	"time"
)

// MailboxCredentials holds the connection settings for the IMAP server.
// It is supplied at pipeline start and never persisted.
type MailboxCredentials struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// Addr returns the dial address for the mailbox host.
func (c MailboxCredentials) Addr() string {
	return c.Host + ":" + c.Port
}

// SenderFilter narrows the mailbox search to a set of allowed sender
// addresses. An empty filter matches every sender.
type SenderFilter struct {
	Allowed []string
}

// Matches reports whether the given sender address passes the filter.
// Matching is case-insensitive on the full address.
func (f SenderFilter) Matches(sender string) bool {
	if len(f.Allowed) == 0 {
		return true
	}
	for _, a := range f.Allowed {
		if strings.EqualFold(a, sender) {
			return true
		}
	}
	return false
}

// AttachmentRef is attachment metadata as declared by the message. The
// body exists only on the server until downloaded.
type AttachmentRef struct {
	Filename    string
	ContentType string
}

// IncomingEmail is one unseen message returned by a mailbox fetch,
// immutable once constructed and discarded at the end of the cycle.
type IncomingEmail struct {
	UID         uint32
	Subject     string
	Sender      string
	ReceivedAt  time.Time
	Attachments []AttachmentRef
}

// StoredAttachment is a PDF attachment persisted under the inbound
// storage root, together with its originating email metadata.
type StoredAttachment struct {
	Path         string
	Ref          AttachmentRef
	EmailSubject string
	EmailSender  string
	EmailDate    time.Time
}

// ReportMetadata is the document metadata applied to a generated report.
type ReportMetadata struct {
	Title     string
	Author    string
	CreatedAt time.Time
}

// GeneratedReport is the terminal artifact of one attachment's
// processing. Ownership passes to the caller once returned.
type GeneratedReport struct {
	Path        string
	Images      []ProcessedImage
	Metadata    ReportMetadata
	GeneratedAt time.Time
}
