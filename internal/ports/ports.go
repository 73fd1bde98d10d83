package ports

import (
	"context"
	"encoding/json"

	"leadsync/internal/domain"
)

// AccountCredentials is what the scrape gateway needs to log in.
type AccountCredentials struct {
	Login     string
	Password  string
	Server    string
	BrokerURL string
}

// AccountGateway scrapes one trading account through the remote browser service.
type AccountGateway interface {
	ScrapeAccount(ctx context.Context, creds AccountCredentials) (domain.AccountSnapshot, error)
	Health(ctx context.Context) error
}

// Contact is the CRM's view of a lead.
type Contact struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Tags      []string
	Fields    map[string]string
}

// CRM is the subset of the contact API the service uses.
type CRM interface {
	FindContactByEmail(ctx context.Context, email string) (Contact, error)
	UpdateCustomFields(ctx context.Context, contactID string, fields map[string]string) error
	AddTag(ctx context.Context, contactID, tag string) error
	RemoveTag(ctx context.Context, contactID, tag string) error
	TriggerWorkflow(ctx context.Context, contactID, workflowID string) error
	ListContacts(ctx context.Context) ([]Contact, error)
}

// Alerter delivers operator-visible notices.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// EventPublisher hands work to the event queue.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload json.RawMessage) (domain.WebhookEvent, error)
}

// StatusPusher pushes a lead's local status to the CRM.
type StatusPusher interface {
	PushStatus(ctx context.Context, leadID string, previous domain.LeadStatus) error
}
