package mailbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailreport/internal/model"
)

// Client wraps go-imap v2 for connecting to and querying IMAP servers.
type Client struct {
	creds  model.MailboxCredentials
	logger *slog.Logger
}

// NewClient creates a new IMAP client configuration. The logger may be
// nil, in which case slog.Default() is used.
func NewClient(creds model.MailboxCredentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{creds: creds, logger: logger}
}

// Connect establishes an authenticated session with the IMAP server
// and selects INBOX. The caller owns the returned Session and must
// call Close on it. Bad credentials yield an AuthError; an unreachable
// host yields a NetworkError.
func (c *Client) Connect(_ context.Context) (*Session, error) {
	addr := c.creds.Addr()

	var client *imapclient.Client
	var err error

	if c.creds.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &NetworkError{Addr: addr, Op: "dial", Err: err}
	}

	if err := client.Login(c.creds.Username, c.creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Username: c.creds.Username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &NetworkError{Addr: addr, Op: "select INBOX", Err: err}
	}

	c.logger.Info("connected to mailbox", "host", c.creds.Host, "user", c.creds.Username)

	return &Session{
		client: client,
		addr:   addr,
		logger: c.logger,
	}, nil
}

// Session is an owned, authenticated IMAP session with INBOX selected.
// IMAP connections are single-session-serial, so every operation takes
// the session mutex; callers may invoke Session methods from
// concurrent goroutines.
type Session struct {
	mu     sync.Mutex
	client *imapclient.Client
	addr   string
	logger *slog.Logger
	closed bool
}

// FetchQualifying searches INBOX for unseen messages passing the
// sender filter and returns them with their PDF attachment metadata.
// Attachment bodies are not fetched; use DownloadAttachment. Messages
// are not marked seen here — MarkSeen is a separate, explicit step.
func (s *Session) FetchQualifying(
	_ context.Context, filter model.SenderFilter,
) ([]model.IncomingEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	// Narrow server-side when the allow-list is a single address; the
	// client-side filter below remains authoritative either way.
	if len(filter.Allowed) == 1 {
		criteria.Header = []imap.SearchCriteriaHeaderField{
			{Key: "From", Value: filter.Allowed[0]},
		}
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &NetworkError{Addr: s.addr, Op: "search", Err: err}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		s.logger.Info("no unseen messages found")
		return nil, nil
	}

	uidSet := imap.UIDSetNum(uids...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var emails []model.IncomingEmail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		email := emailFromBuffer(buf, bodySection)
		if !filter.Matches(email.Sender) {
			continue
		}

		emails = append(emails, email)
	}

	if err := fetchCmd.Close(); err != nil {
		return emails, &NetworkError{Addr: s.addr, Op: "fetch", Err: err}
	}

	s.logger.Info("fetched qualifying messages", "count", len(emails))
	return emails, nil
}

// MarkSeen adds the \Seen flag to the given message. The orchestrator
// calls this exactly once per email returned by FetchQualifying.
func (s *Session) MarkSeen(_ context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &NetworkError{Addr: s.addr, Op: "store flags", Err: err}
	}
	return nil
}

// DownloadAttachment fetches the message body for uid and streams the
// named attachment into sink. The body is fetched on demand so only
// one message is buffered at a time.
func (s *Session) DownloadAttachment(
	_ context.Context, uid uint32, ref model.AttachmentRef, sink io.Writer,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return 0, &NetworkError{
			Addr: s.addr, Op: "fetch body",
			Err: fmt.Errorf("message UID %d not found", uid),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return 0, &NetworkError{Addr: s.addr, Op: "fetch body", Err: err}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return 0, &NetworkError{
			Addr: s.addr, Op: "fetch body",
			Err: fmt.Errorf("no body returned for UID %d", uid),
		}
	}

	n, err := streamAttachment(raw, ref.Filename, sink)
	if err != nil {
		return n, fmt.Errorf("streaming attachment %q: %w", ref.Filename, err)
	}

	if err := fetchCmd.Close(); err != nil {
		return n, &NetworkError{Addr: s.addr, Op: "fetch body", Err: err}
	}

	return n, nil
}

// Close logs out and releases the session. It is idempotent and safe
// to call on an already-closed session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.client.Logout().Wait(); err != nil {
		// The server may have dropped the connection already; the
		// session is released either way.
		s.logger.Debug("logout failed", "error", err)
	}
	return nil
}

// emailFromBuffer builds an IncomingEmail from a fetched message,
// parsing the MIME body for PDF attachment metadata.
func emailFromBuffer(
	buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection,
) model.IncomingEmail {
	email := model.IncomingEmail{UID: uint32(buf.UID)}

	if buf.Envelope != nil {
		email.Subject = buf.Envelope.Subject
		email.ReceivedAt = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			email.Sender = buf.Envelope.From[0].Addr()
		}
	}

	if raw := buf.FindBodySection(section); raw != nil {
		email.Attachments = parsePDFAttachments(raw)
	}

	return email
}
