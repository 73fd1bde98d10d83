package httpadapter

import (
	"encoding/json"
	"time"

	"leadsync/internal/domain"
)

type eventView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func toEventView(ev domain.WebhookEvent) eventView {
	return eventView{
		ID:          ev.ID,
		Type:        ev.Type,
		Status:      string(ev.Status),
		Retries:     ev.Retries,
		MaxRetries:  ev.MaxRetries,
		NextRetryAt: ev.NextRetryAt,
		LastError:   ev.LastError,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
		UpdatedAt:   ev.UpdatedAt,
	}
}

// credentialView never carries the password.
type credentialView struct {
	ID             string `json:"id"`
	LeadID         string `json:"leadId"`
	Login          string `json:"login"`
	Server         string `json:"server"`
	Broker         string `json:"broker,omitempty"`
	ScrapingStatus string `json:"scrapingStatus"`
	IsVerified     bool   `json:"isVerified"`
	FailedAttempts int    `json:"failedAttempts"`
}

func toCredentialView(c domain.InvestorCredential) credentialView {
	return credentialView{
		ID:             c.ID,
		LeadID:         c.LeadID,
		Login:          c.Login,
		Server:         c.Server,
		Broker:         c.Broker,
		ScrapingStatus: string(c.ScrapingStatus),
		IsVerified:     c.IsVerified,
		FailedAttempts: c.FailedAttempts,
	}
}
