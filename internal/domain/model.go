package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Core domain models. Persistence adapters map these to tables; the HTTP
// adapter maps them to JSON.

// LeadStatus is the funnel position of a lead. Values are ordered.
type LeadStatus string

const (
	StatusCaptured  LeadStatus = "captured"
	StatusDeposited LeadStatus = "deposited"
	StatusTrading   LeadStatus = "trading"
	StatusQualified LeadStatus = "qualified"
)

var statusRank = map[LeadStatus]int{
	StatusCaptured:  1,
	StatusDeposited: 2,
	StatusTrading:   3,
	StatusQualified: 4,
}

// Statuses lists every lead status in funnel order.
func Statuses() []LeadStatus {
	return []LeadStatus{StatusCaptured, StatusDeposited, StatusTrading, StatusQualified}
}

// Rank returns the funnel position of s, or 0 for an unknown status.
func (s LeadStatus) Rank() int { return statusRank[s] }

func (s LeadStatus) Valid() bool { return s.Rank() > 0 }

// Before reports whether s comes strictly earlier in the funnel than o.
func (s LeadStatus) Before(o LeadStatus) bool { return s.Rank() < o.Rank() }

// ParseLeadStatus accepts any casing and surrounding whitespace.
func ParseLeadStatus(v string) (LeadStatus, bool) {
	s := LeadStatus(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

type Lead struct {
	ID              string
	Email           string
	Phone           string
	FirstName       string
	LastName        string
	Broker          string
	Source          string
	Status          LeadStatus
	CapturedAt      time.Time
	DepositedAt     *time.Time
	TradingStartAt  *time.Time
	QualifiedAt     *time.Time
	CommissionTotal decimal.Decimal
	TrackingToken   string
	CRMContactID    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NormalizeEmail is the canonical form used for storage and matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type ScrapingStatus string

const (
	ScrapePending ScrapingStatus = "pending"
	ScrapeSuccess ScrapingStatus = "success"
	ScrapeFailed  ScrapingStatus = "failed"
)

// DefaultMaxFailedAttempts applies to credentials created without an explicit threshold.
const DefaultMaxFailedAttempts = 3

type InvestorCredential struct {
	ID                string
	LeadID            string
	Login             string
	PasswordEncrypted string
	Server            string
	Broker            string
	Balance           decimal.Decimal
	Equity            decimal.Decimal
	Margin            decimal.Decimal
	FreeMargin        decimal.Decimal
	MarginLevel       decimal.Decimal
	Profit            decimal.Decimal
	TotalVolume       decimal.Decimal
	MeetsMinVolume    bool
	IsVerified        bool
	ScrapingStatus    ScrapingStatus
	ScrapingError     string
	FailedAttempts    int
	MaxFailedAttempts int
	LastScrapedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScrapeEligible reports whether the scheduler may pick this credential up.
func (c InvestorCredential) ScrapeEligible() bool {
	return !c.IsVerified && c.FailedAttempts < c.MaxFailedAttempts
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type Position struct {
	CredentialID string
	Ticket       string
	Symbol       string
	Type         string // buy|sell
	Volume       decimal.Decimal
	OpenPrice    decimal.Decimal
	CurrentPrice decimal.Decimal
	Profit       decimal.Decimal
	OpenTime     *time.Time
	Status       PositionStatus
	UpdatedAt    time.Time
}

// AccountSnapshot is what the remote terminal reports for one account.
type AccountSnapshot struct {
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	Margin      decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal
	Profit      decimal.Decimal
	Positions   []Position
}

// Activity types written to the lead audit log.
const (
	ActivityCapture              = "capture"
	ActivityDeposit              = "deposit"
	ActivityTrade                = "trade"
	ActivityQualification        = "qualification"
	ActivityCredentialsSubmitted = "credentials_submitted"
	ActivityCommission           = "commission"
	ActivityWebhook              = "webhook"
)

type LeadActivity struct {
	ID            string
	LeadID        string
	Type          string
	PreviousValue string
	NewValue      string
	ExternalRef   string
	Metadata      map[string]any
	CreatedAt     time.Time
}

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventDeadLetter EventStatus = "dead_letter"
)

// Terminal reports whether only a manual action may change the event again.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventDeadLetter
}

// Settled reports whether the queue will never pick the event up again on
// its own. Permanently failed events wait for a manual retry.
func (s EventStatus) Settled() bool {
	return s.Terminal() || s == EventFailed
}

type WebhookEvent struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Status      EventStatus
	Retries     int
	MaxRetries  int
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventSyncLeadStatus is the outbound event asking for a lead's status to
// be pushed to the CRM.
const EventSyncLeadStatus = "sync.lead_status"

// StatusSync is the payload of EventSyncLeadStatus.
type StatusSync struct {
	LeadID         string     `json:"leadId"`
	PreviousStatus LeadStatus `json:"previousStatus"`
	Status         LeadStatus `json:"status"`
}
