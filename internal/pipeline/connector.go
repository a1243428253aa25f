package pipeline

import (
	"context"

	"github.com/nhle/mailreport/internal/mailbox"
)

// Connector adapts the concrete IMAP client to the Mailbox interface.
type Connector struct {
	Client *mailbox.Client
}

// Connect opens an owned IMAP session.
func (c Connector) Connect(ctx context.Context) (Session, error) {
	return c.Client.Connect(ctx)
}
