package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

// CRM is an in-process contact store used when no CRM is configured and in
// tests. Calls are recorded for inspection.
type CRM struct {
	mu        sync.Mutex
	contacts  map[string]*ports.Contact
	workflows []string // "contactID:workflowID"
	calls     int
	Err       error // returned by every call when set
}

func NewCRM() *CRM {
	return &CRM{contacts: make(map[string]*ports.Contact)}
}

var _ ports.CRM = (*CRM)(nil)

// Put adds or replaces a contact and returns it with an id assigned.
func (c *CRM) Put(ct ports.Contact) ports.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	ct.Email = domain.NormalizeEmail(ct.Email)
	if ct.Fields == nil {
		ct.Fields = map[string]string{}
	}
	cp := ct
	c.contacts[ct.ID] = &cp
	return ct
}

func (c *CRM) Contact(id string) (ports.Contact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contacts[id]
	if !ok {
		return ports.Contact{}, false
	}
	return copyContact(ct), true
}

func (c *CRM) Workflows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.workflows...)
}

func (c *CRM) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func copyContact(ct *ports.Contact) ports.Contact {
	out := *ct
	out.Tags = append([]string(nil), ct.Tags...)
	out.Fields = make(map[string]string, len(ct.Fields))
	for k, v := range ct.Fields {
		out.Fields[k] = v
	}
	return out
}

// begin counts the call and returns the injected error, if any. Callers hold c.mu.
func (c *CRM) begin() error {
	c.calls++
	return c.Err
}

func (c *CRM) FindContactByEmail(_ context.Context, email string) (ports.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return ports.Contact{}, err
	}
	email = domain.NormalizeEmail(email)
	for _, ct := range c.contacts {
		if ct.Email == email {
			return copyContact(ct), nil
		}
	}
	return ports.Contact{}, domain.ErrNotFound
}

func (c *CRM) UpdateCustomFields(_ context.Context, id string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	ct, ok := c.contacts[id]
	if !ok {
		return domain.ErrNotFound
	}
	for k, v := range fields {
		ct.Fields[k] = v
	}
	return nil
}

func (c *CRM) AddTag(_ context.Context, id, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	ct, ok := c.contacts[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, t := range ct.Tags {
		if t == tag {
			return nil
		}
	}
	ct.Tags = append(ct.Tags, tag)
	sort.Strings(ct.Tags)
	return nil
}

func (c *CRM) RemoveTag(_ context.Context, id, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	ct, ok := c.contacts[id]
	if !ok {
		return nil
	}
	kept := ct.Tags[:0]
	for _, t := range ct.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	ct.Tags = kept
	return nil
}

func (c *CRM) TriggerWorkflow(_ context.Context, id, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return err
	}
	if _, ok := c.contacts[id]; !ok {
		return domain.ErrNotFound
	}
	c.workflows = append(c.workflows, id+":"+workflowID)
	return nil
}

func (c *CRM) ListContacts(context.Context) ([]ports.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}
	out := make([]ports.Contact, 0, len(c.contacts))
	for _, ct := range c.contacts {
		out = append(out, copyContact(ct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
