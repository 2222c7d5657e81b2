package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"checkinbot/internal/domain"
	"checkinbot/internal/scheduler"
	"checkinbot/internal/store"
)

// RequesterHeader carries the destination identifier of the caller. It
// decides who may delete an account.
const RequesterHeader = "X-Destination"

// Scheduler is the part of scheduler.Service the API drives.
type Scheduler interface {
	Register(acct domain.Account) (domain.Job, error)
	Delete(accountID, requester string) (int, error)
	Trigger(accountID string) (domain.Job, error)
	TriggerAll() []domain.Job
	TriggerDestination(destination string) []domain.Job
	Jobs() []domain.Job
	JobsByAccount(accountID string) []domain.Job
	AccountIDs() []string
}

type Server struct {
	r     *chi.Mux
	sched Scheduler
	repo  store.Repository
}

// NewServer builds the management API. repo may be nil, in which case
// registrations live only as long as the process.
func NewServer(sched Scheduler, repo store.Repository) http.Handler {
	return NewServerWithDebug(sched, repo, false)
}

func NewServerWithDebug(sched Scheduler, repo store.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, repo: repo}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/accounts", s.listAccounts)
	r.Post("/api/accounts", s.addAccount)
	r.Get("/api/accounts/{id}", s.getAccount)
	r.Delete("/api/accounts/{id}", s.deleteAccount)
	r.Post("/api/accounts/{id}/run", s.runAccount)
	r.Post("/api/run", s.runMany)
	r.Get("/api/jobs", s.listJobs)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.JobKind]int{}
	for _, j := range s.sched.Jobs() {
		counts[j.Kind]++
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "checkinbot_up 1\n")
	fmt.Fprintf(w, "checkinbot_accounts %d\n", len(s.sched.AccountIDs()))
	fmt.Fprintf(w, "checkinbot_jobs{kind=\"daily\"} %d\n", counts[domain.JobDaily])
	fmt.Fprintf(w, "checkinbot_jobs{kind=\"once\"} %d\n", counts[domain.JobOnce])
}

type jobView struct {
	ID          string `json:"id"`
	Account     string `json:"account"`
	Kind        string `json:"kind"`
	Region      int    `json:"region"`
	Destination string `json:"destination"`
	At          string `json:"at,omitempty"`
	NextRun     string `json:"next_run"`
}

func viewJob(j domain.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Account:     j.Account.ID,
		Kind:        string(j.Kind),
		Region:      j.Account.Region,
		Destination: j.Account.Destination,
		NextRun:     j.NextRun.Format(time.RFC3339),
	}
	if j.Kind == domain.JobDaily {
		v.At = j.At.String()
	}
	return v
}

func viewJobs(jobs []domain.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	return out
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	ids := s.sched.AccountIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": ids})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("account"); id != "" {
		writeJSON(w, http.StatusOK, viewJobs(s.sched.JobsByAccount(id)))
		return
	}
	writeJSON(w, http.StatusOK, viewJobs(s.sched.Jobs()))
}

// getAccount shows the stored registration (without its secret) and the
// account's current jobs.
func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs := s.sched.JobsByAccount(id)

	var acct domain.Account
	switch {
	case s.repo != nil:
		stored, err := s.repo.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		acct = stored
	case len(jobs) > 0:
		acct = jobs[0].Account
	default:
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "jobs": viewJobs(jobs)})
}

type addAccountReq struct {
	ID          string `json:"id"`
	Secret      string `json:"secret"`
	Region      int    `json:"region"`
	Destination string `json:"destination"`
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ID == "" || req.Secret == "" {
		http.Error(w, "id and secret are required", 400)
		return
	}
	if req.Destination == "" {
		req.Destination = r.Header.Get(RequesterHeader)
	}
	if req.Destination == "" {
		http.Error(w, "destination is required", 400)
		return
	}

	acct := domain.Account{ID: req.ID, Secret: req.Secret, Region: req.Region, Destination: req.Destination}.WithDefaults()
	if s.repo != nil {
		if err := s.repo.Upsert(r.Context(), acct); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	}
	job, err := s.sched.Register(acct)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": viewJob(job), "accounts": s.sched.AccountIDs()})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requester := r.Header.Get(RequesterHeader)
	if requester == "" {
		http.Error(w, RequesterHeader+" header is required", 400)
		return
	}

	n, err := s.sched.Delete(id, requester)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, scheduler.ErrForbidden):
		http.Error(w, "you cannot delete it", 403)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}

	if s.repo != nil {
		if err := s.repo.Delete(r.Context(), id); err != nil {
			log.Error().Err(err).Str("account", id).Msg("failed to delete stored account")
		}
	}
	accounts := s.sched.AccountIDs()
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n, "accounts": accounts})
}

func (s *Server) runAccount(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Trigger(chi.URLParam(r, "id"))
	if errors.Is(err, scheduler.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, viewJob(job))
}

func (s *Server) runMany(w http.ResponseWriter, r *http.Request) {
	var jobs []domain.Job
	if dest := r.URL.Query().Get("destination"); dest != "" {
		jobs = s.sched.TriggerDestination(dest)
	} else {
		jobs = s.sched.TriggerAll()
	}
	writeJSON(w, http.StatusAccepted, viewJobs(jobs))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
