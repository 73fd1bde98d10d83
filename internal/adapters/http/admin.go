package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"leadsync/internal/domain"
	"leadsync/internal/services/leads"
	"leadsync/internal/services/reconcile"
)

type credentialRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Broker   string `json:"broker"`
}

func (s *Server) submitCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	cred, err := s.deps.Leads.SubmitCredential(r.Context(), chi.URLParam(r, "leadID"), leads.CredentialInput{
		Login:    req.Login,
		Password: req.Password,
		Server:   req.Server,
		Broker:   req.Broker,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialView(cred))
}

// scrapeCredential runs one scrape inline. A recorded scrape failure is
// still a 200 and the outcome carries the classified error.
func (s *Server) scrapeCredential(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Scraper.ScrapeCredential(r.Context(), chi.URLParam(r, "credentialID"))
	if err != nil && (out.Error == "" || statusFor(err) != http.StatusInternalServerError) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type listEventsParams struct {
	Status *string
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var p listEventsParams
	if err := runtime.BindQueryParameter("form", true, false, "status", r.URL.Query(), &p.Status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status domain.EventStatus
	if p.Status != nil {
		status = domain.EventStatus(*p.Status)
	}
	evs := s.deps.Queue.List(status)
	out := make([]eventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventView(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "stats": s.deps.Queue.Stats()})
}

func (s *Server) eventStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats())
}

func (s *Server) retryEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Queue.RetryEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventView(ev))
}

func (s *Server) clearDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.ClearDeadLetterQueue(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type purgeParams struct {
	Days *int
}

func (s *Server) purgeEvents(w http.ResponseWriter, r *http.Request) {
	var p purgeParams
	if err := runtime.BindQueryParameter("form", true, false, "days", r.URL.Query(), &p.Days); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days := 7
	if p.Days != nil {
		days = *p.Days
	}
	if days < 0 {
		writeError(w, http.StatusBadRequest, "days must not be negative")
		return
	}
	n, err := s.deps.Queue.PurgeOldEvents(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) crmStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.CRM == nil {
		writeError(w, http.StatusNotImplemented, "crm client not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.CRM.Stats())
}

type replayParams struct {
	Key *string
}

func (s *Server) crmReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.CRM == nil {
		writeError(w, http.StatusNotImplemented, "crm client not configured")
		return
	}
	var p replayParams
	if err := runtime.BindQueryParameter("form", true, false, "key", r.URL.Query(), &p.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := ""
	if p.Key != nil {
		key = *p.Key
	}
	writeJSON(w, http.StatusOK, s.deps.CRM.RetryFailedRequests(r.Context(), key))
}

type reconcileParams struct {
	Detailed *bool
	AutoFix  *bool
	Limit    *int
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "reconciliation not configured")
		return
	}
	var p reconcileParams
	q := r.URL.Query()
	err := errors.Join(
		runtime.BindQueryParameter("form", true, false, "detailed", q, &p.Detailed),
		runtime.BindQueryParameter("form", true, false, "autoFix", q, &p.AutoFix),
		runtime.BindQueryParameter("form", true, false, "limit", q, &p.Limit),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := reconcile.Options{}
	if p.Detailed != nil {
		opts.Detailed = *p.Detailed
	}
	if p.AutoFix != nil {
		opts.AutoFix = *p.AutoFix
	}
	if p.Limit != nil {
		opts.AutoFixLimit = *p.Limit
	}
	rep, err := s.deps.Reconciler.Analyze(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
