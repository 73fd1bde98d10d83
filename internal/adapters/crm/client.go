// Package crm maps the CRM contact API onto ports.CRM. Every call goes
// through the shared rate-limited apiclient.
package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"leadsync/internal/apiclient"
	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

// Tags the CRM automation listens for.
const (
	TagCredentialsSubmitted = "MT5_Credentials_Submitted"
	TagReadyForVerification = "Ready_For_Verification"
)

// StatusTag is the tag that mirrors a lead status, e.g. Status_trading.
func StatusTag(s domain.LeadStatus) string { return "Status_" + string(s) }

const pageSize = 100

type Client struct {
	api *apiclient.Client
	log zerolog.Logger
}

func New(api *apiclient.Client, log zerolog.Logger) *Client {
	return &Client{api: api, log: log.With().Str("component", "crm").Logger()}
}

var _ ports.CRM = (*Client)(nil)

type customField struct {
	Key   string `json:"key"`
	Value string `json:"field_value"`
}

type contactDTO struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	FirstName    string        `json:"firstName"`
	LastName     string        `json:"lastName"`
	Phone        string        `json:"phone"`
	Tags         []string      `json:"tags"`
	CustomFields []customField `json:"customFields"`
}

func (d contactDTO) contact() ports.Contact {
	c := ports.Contact{
		ID:        d.ID,
		Email:     domain.NormalizeEmail(d.Email),
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Phone:     d.Phone,
		Tags:      d.Tags,
		Fields:    make(map[string]string, len(d.CustomFields)),
	}
	for _, f := range d.CustomFields {
		c.Fields[f.Key] = f.Value
	}
	return c
}

func failure(op string, res apiclient.Result) error {
	if res.Status == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return eris.Errorf("crm: %s: %s (retries=%d)", op, res.Error, res.Retries)
}

func (c *Client) FindContactByEmail(ctx context.Context, email string) (ports.Contact, error) {
	q := url.Values{"email": {domain.NormalizeEmail(email)}}
	res := c.api.Request(ctx, http.MethodGet, "/contacts/search/duplicate", nil, apiclient.WithQuery(q))
	if !res.Success {
		return ports.Contact{}, failure("find contact", res)
	}
	var out struct {
		Contact *contactDTO `json:"contact"`
	}
	if err := res.Decode(&out); err != nil {
		return ports.Contact{}, eris.Wrap(err, "crm: decode contact")
	}
	if out.Contact == nil || out.Contact.ID == "" {
		return ports.Contact{}, domain.ErrNotFound
	}
	return out.Contact.contact(), nil
}

// UpdateCustomFields sends fields in key order so replays resend an identical body.
func (c *Client) UpdateCustomFields(ctx context.Context, contactID string, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	body := struct {
		CustomFields []customField `json:"customFields"`
	}{}
	for _, k := range keys {
		body.CustomFields = append(body.CustomFields, customField{Key: k, Value: fields[k]})
	}
	res := c.api.Request(ctx, http.MethodPut, "/contacts/"+url.PathEscape(contactID), body)
	if !res.Success {
		return failure("update custom fields", res)
	}
	return nil
}

type tagsBody struct {
	Tags []string `json:"tags"`
}

// AddTag is a POST; the idempotency key lets the client retry it safely.
func (c *Client) AddTag(ctx context.Context, contactID, tag string) error {
	res := c.api.Request(ctx, http.MethodPost, "/contacts/"+url.PathEscape(contactID)+"/tags",
		tagsBody{Tags: []string{tag}}, apiclient.WithIdempotencyKey(uuid.NewString()))
	if !res.Success {
		return failure("add tag", res)
	}
	return nil
}

func (c *Client) RemoveTag(ctx context.Context, contactID, tag string) error {
	res := c.api.Request(ctx, http.MethodDelete, "/contacts/"+url.PathEscape(contactID)+"/tags", tagsBody{Tags: []string{tag}})
	if !res.Success && res.Status != http.StatusNotFound {
		return failure("remove tag", res)
	}
	return nil
}

func (c *Client) TriggerWorkflow(ctx context.Context, contactID, workflowID string) error {
	endpoint := fmt.Sprintf("/contacts/%s/workflow/%s", url.PathEscape(contactID), url.PathEscape(workflowID))
	res := c.api.Request(ctx, http.MethodPost, endpoint, struct{}{}, apiclient.WithIdempotencyKey(uuid.NewString()))
	if !res.Success {
		return failure("trigger workflow", res)
	}
	return nil
}

// ListContacts walks every page of the contact list.
func (c *Client) ListContacts(ctx context.Context) ([]ports.Contact, error) {
	var all []ports.Contact
	for page := 1; ; page++ {
		q := url.Values{"limit": {strconv.Itoa(pageSize)}, "page": {strconv.Itoa(page)}}
		res := c.api.Request(ctx, http.MethodGet, "/contacts", nil, apiclient.WithQuery(q))
		if !res.Success {
			return nil, failure("list contacts", res)
		}
		var out struct {
			Contacts []contactDTO `json:"contacts"`
			Meta     struct {
				Total    int  `json:"total"`
				NextPage *int `json:"nextPage"`
			} `json:"meta"`
		}
		if err := res.Decode(&out); err != nil {
			return nil, eris.Wrap(err, "crm: decode contact page")
		}
		for _, d := range out.Contacts {
			all = append(all, d.contact())
		}
		if out.Meta.NextPage == nil || len(out.Contacts) == 0 {
			break
		}
	}
	c.log.Debug().Int("contacts", len(all)).Msg("listed crm contacts")
	return all, nil
}
