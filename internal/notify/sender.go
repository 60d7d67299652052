// Package notify delivers operational notifications to agents and owners:
// margin calls, liquidation notices, and delegation expiry warnings.
package notify

import "context"

// Sender delivers transactional email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AddressBook resolves a principal id to a delivery address. Returning ""
// skips the notification.
type AddressBook func(principalID string) string
