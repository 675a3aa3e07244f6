/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web is the user-facing front end. It issues presigned upload
// forms, turns completed uploads into PENDING job records, and serves the
// annotation list, detail and log views plus the subscription upgrade.
//
// The front end never touches job payload data beyond streaming the log
// view; uploads and downloads go straight between the browser and the
// object store through presigned requests.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// now is swapped by tests for deterministic submit times.
var now = time.Now

// newJobID mints request identifiers; swapped by tests.
var newJobID = func() string { return uuid.New().String() }

// jobStore is the slice of the metadata store the front end uses.
type jobStore interface {
	Insert(ctx context.Context, job *gas.Job) error
	Get(ctx context.Context, jobID string) (*gas.Job, error)
	QueryByUser(ctx context.Context, userID string) ([]gas.Job, error)
}

// objectStore issues presigned requests and streams log bodies.
type objectStore interface {
	PresignPost(opts awsapi.PostOptions) (*awsapi.PostForm, error)
	PresignGet(bucket, key string, ttl time.Duration) (string, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// publisher announces accepted jobs to the annotators.
type publisher interface {
	Publish(ctx context.Context, v interface{}) error
}

// accountDirectory reads and upgrades account profiles.
type accountDirectory interface {
	Profile(ctx context.Context, userID string) (*identity.Profile, error)
	SetRole(ctx context.Context, userID, role string) error
}

// sessionStore reads and writes the browser session cookie.
type sessionStore interface {
	UserID(r *http.Request) (string, bool)
	Login(w http.ResponseWriter, r *http.Request, userID string) error
	Logout(w http.ResponseWriter, r *http.Request) error
}

// thawRequester kicks off retrieval of a user's archived results.
type thawRequester interface {
	RequestThaw(ctx context.Context, userID string) (int, error)
}

// Server carries the front end's dependencies.
type Server struct {
	sessions sessionStore
	users    accountDirectory
	store    jobStore
	objects  objectStore
	jobs     publisher
	thaw     thawRequester
	cfg      config.Getter
	// devLogin enables the query-parameter login used outside a real
	// identity provider. Never on in production.
	devLogin bool
}

// NewServer wires the front end together.
func NewServer(sessions sessionStore, users accountDirectory, store jobStore, objects objectStore, jobs publisher, thaw thawRequester, cfg config.Getter, devLogin bool) *Server {
	return &Server{
		sessions: sessions,
		users:    users,
		store:    store,
		objects:  objects,
		jobs:     jobs,
		thaw:     thaw,
		cfg:      cfg,
		devLogin: devLogin,
	}
}

// Router assembles the route table. List-shaped pages are gzipped; the
// intake endpoints are not worth compressing.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/", instrument("home", http.HandlerFunc(s.handleHome))).Methods(http.MethodGet)
	r.Handle("/healthz", instrument("healthz", http.HandlerFunc(handleHealthz))).Methods(http.MethodGet)
	r.Handle("/login", instrument("login", http.HandlerFunc(s.handleLogin))).Methods(http.MethodGet)
	r.Handle("/logout", instrument("logout", http.HandlerFunc(s.handleLogout))).Methods(http.MethodGet)
	r.Handle("/annotate", instrument("annotate", s.authenticated(s.handleUploadForm))).Methods(http.MethodGet)
	r.Handle("/annotate/job", instrument("create-job", s.authenticated(s.handleCreateJob))).Methods(http.MethodGet)
	r.Handle("/annotations", instrument("list", gziphandler.GzipHandler(s.authenticated(s.handleList)))).Methods(http.MethodGet)
	r.Handle("/annotations/{job_id}", instrument("detail", gziphandler.GzipHandler(s.authenticated(s.handleDetail)))).Methods(http.MethodGet)
	r.Handle("/annotations/{job_id}/log", instrument("log", gziphandler.GzipHandler(s.authenticated(s.handleLog)))).Methods(http.MethodGet)
	r.Handle("/subscribe", instrument("subscribe", s.authenticated(s.handleSubscribeForm))).Methods(http.MethodGet)
	r.Handle("/subscribe", instrument("subscribe", s.authenticated(s.handleSubscribe))).Methods(http.MethodPost)
	return r
}

// userHandler is a handler that only runs for authenticated requests.
type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authenticated(h userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.UserID(r)
		if !ok {
			s.writeError(w, r, http.StatusUnauthorized, "Please log in to use the annotation service.")
			return
		}
		h(w, r, userID)
	})
}

// statusRecorder remembers the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		recordRequest(name, rec.status)
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "OK")
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, "Genomics Annotation Service", func(out io.Writer) error {
		return htmlHome(out)
	})
}

// handleLogin authenticates from a query parameter. It exists for
// deployments without the external identity provider and must be enabled
// explicitly.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.devLogin {
		s.writeError(w, r, http.StatusNotFound, "Login is handled by the identity provider.")
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, "The user parameter is required.")
		return
	}
	if err := s.sessions.Login(w, r, userID); err != nil {
		logrus.WithError(err).Error("Failed to write session cookie.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to log in.")
		return
	}
	http.Redirect(w, r, "/annotations", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(w, r); err != nil {
		logrus.WithError(err).Error("Failed to drop session cookie.")
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleUploadForm mints a job id and signs an upload form for it. The job
// record is not created yet; that happens when the upload redirect comes
// back, so abandoned forms leave nothing behind.
func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request, userID string) {
	cfg := s.cfg()
	form, err := s.objects.PresignPost(awsapi.PostOptions{
		Bucket:                cfg.Buckets.Inputs,
		Key:                   gas.InputKey(cfg.Keys.Prefix, userID, newJobID(), awsapi.FilenamePlaceholder),
		ACL:                   cfg.Keys.ACL,
		SuccessActionRedirect: strings.TrimSuffix(cfg.Web.ExternalURL, "/") + "/annotate/job",
		Encryption:            cfg.Keys.Encryption,
		Expires:               cfg.Keys.URLTTL(),
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to presign upload form.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to prepare the upload form.")
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, form)
		return
	}
	s.renderPage(w, http.StatusOK, "Annotate a VCF file", func(out io.Writer) error {
		return htmlUploadForm(out, form.URL, form.Fields)
	})
}

// handleCreateJob is the upload redirect target: it parses the object key
// the store reports back, inserts the PENDING record, and announces the job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, userID string) {
	cfg := s.cfg()
	bucket := r.URL.Query().Get("bucket")
	key := r.URL.Query().Get("key")
	if bucket == "" || key == "" {
		s.writeError(w, r, http.StatusBadRequest, "The bucket and key parameters are required.")
		return
	}
	if bucket != cfg.Buckets.Inputs {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Unexpected upload bucket %q.", bucket))
		return
	}
	keyUser, jobID, filename, err := gas.ParseInputKey(key)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "The uploaded object key is malformed.")
		return
	}
	if keyUser != userID {
		s.writeError(w, r, http.StatusForbidden, "The uploaded object belongs to another user.")
		return
	}

	job := &gas.Job{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: filename,
		InputBucket:   bucket,
		InputKey:      key,
		SubmitTime:    now().Unix(),
		Status:        gas.PendingState,
	}
	log := logrus.WithFields(logrus.Fields{"job": jobID, "user": userID})
	if err := s.store.Insert(r.Context(), job); err != nil {
		if errors.Is(err, jobstore.ErrAlreadyExists) {
			s.writeError(w, r, http.StatusConflict, "This upload has already been submitted.")
			return
		}
		log.WithError(err).Error("Failed to insert job record.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to record the annotation request.")
		return
	}
	if err := s.jobs.Publish(r.Context(), gas.JobSubmitted{
		JobID:         job.JobID,
		UserID:        job.UserID,
		InputBucket:   job.InputBucket,
		InputKey:      job.InputKey,
		InputFileName: job.InputFileName,
		SubmitTime:    job.SubmitTime,
	}); err != nil {
		// The record exists but no annotator heard about it; the request
		// stays PENDING until resubmitted or announced by an operator.
		log.WithError(err).Error("Failed to announce job.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to hand the request to the annotators.")
		return
	}
	log.Info("Accepted annotation request.")
	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID, "job_status": string(gas.PendingState)})
		return
	}
	s.renderPage(w, http.StatusCreated, "Annotation request accepted", func(out io.Writer) error {
		return htmlJobCreated(out, jobID)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	jobs, err := s.store.QueryByUser(r.Context(), userID)
	if err != nil {
		logrus.WithError(err).WithField("user", userID).Error("Failed to list jobs.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to list your annotations.")
		return
	}
	if wantsJSON(r) {
		rows := make([]map[string]interface{}, 0, len(jobs))
		for _, job := range jobs {
			rows = append(rows, map[string]interface{}{
				"job_id":          job.JobID,
				"submit_time":     job.SubmitTime,
				"input_file_name": job.InputFileName,
				"job_status":      job.Status,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": rows})
		return
	}
	rows := make([]jobRow, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, jobRow{
			JobID:         job.JobID,
			SubmitTime:    s.formatTime(job.SubmitTime),
			InputFileName: job.InputFileName,
			Status:        string(job.Status),
		})
	}
	s.renderPage(w, http.StatusOK, "My annotations", func(out io.Writer) error {
		return htmlJobList(out, rows)
	})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, userID string) {
	job, ok := s.ownedJob(w, r, userID)
	if !ok {
		return
	}
	cfg := s.cfg()
	detail := jobDetail{
		JobID:         job.JobID,
		SubmitTime:    s.formatTime(job.SubmitTime),
		InputFileName: job.InputFileName,
		Status:        string(job.Status),
		Completed:     job.Status == gas.CompletedState,
	}
	inputLink, err := s.objects.PresignGet(job.InputBucket, job.InputKey, cfg.Keys.URLTTL())
	if err != nil {
		logrus.WithError(err).WithField("job", job.JobID).Error("Failed to presign input download.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to prepare download links.")
		return
	}
	detail.InputLink = inputLink
	if detail.Completed {
		detail.CompleteTime = s.formatTime(job.CompleteTime)
		switch {
		case job.Archived():
			// The role decides whether the archive is on its way back or
			// whether the user has to upgrade first. Read it fresh so an
			// upgrade is visible immediately.
			profile, err := s.users.Profile(r.Context(), userID)
			if err != nil {
				logrus.WithError(err).WithField("user", userID).Error("Failed to look up profile.")
				s.writeError(w, r, http.StatusInternalServerError, "Failed to look up your subscription.")
				return
			}
			if profile.Premium() {
				detail.Restoring = true
			} else {
				detail.UpgradeLink = "/subscribe"
			}
		default:
			resultLink, err := s.objects.PresignGet(job.ResultBucket, job.ResultKey, cfg.Keys.URLTTL())
			if err != nil {
				logrus.WithError(err).WithField("job", job.JobID).Error("Failed to presign result download.")
				s.writeError(w, r, http.StatusInternalServerError, "Failed to prepare download links.")
				return
			}
			detail.ResultLink = resultLink
		}
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job":        job,
			"result_url": detail.ResultLink,
			"restoring":  detail.Restoring,
		})
		return
	}
	s.renderPage(w, http.StatusOK, "Annotation "+job.JobID, func(out io.Writer) error {
		return htmlJobDetail(out, detail)
	})
}

// handleLog streams the pipeline log. Logs exist only once a job completes;
// earlier requests are refused rather than 404ed so a browser does not cache
// a miss for a log that is about to appear.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, userID string) {
	job, ok := s.ownedJob(w, r, userID)
	if !ok {
		return
	}
	if job.Status != gas.CompletedState {
		s.writeError(w, r, http.StatusUnauthorized, "The log is available once the job completes.")
		return
	}
	body, err := s.objects.Open(r.Context(), job.ResultBucket, job.LogKey)
	if err != nil {
		if errors.Is(err, awsapi.ErrObjectNotFound) {
			s.writeError(w, r, http.StatusNotFound, "The log file is gone.")
			return
		}
		logrus.WithError(err).WithField("job", job.JobID).Error("Failed to open log.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to fetch the log file.")
		return
	}
	defer body.Close()
	content, err := io.ReadAll(body)
	if err != nil {
		logrus.WithError(err).WithField("job", job.JobID).Error("Failed to read log.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to fetch the log file.")
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": job.JobID, "log": string(content)})
		return
	}
	s.renderPage(w, http.StatusOK, "Annotation log", func(out io.Writer) error {
		return htmlJobLog(out, job.JobID, string(content))
	})
}

func (s *Server) handleSubscribeForm(w http.ResponseWriter, r *http.Request, userID string) {
	profile, err := s.users.Profile(r.Context(), userID)
	if err != nil {
		logrus.WithError(err).WithField("user", userID).Error("Failed to look up profile.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to look up your subscription.")
		return
	}
	s.renderPage(w, http.StatusOK, "Subscription", func(out io.Writer) error {
		return htmlSubscribe(out, profile.Premium())
	})
}

// handleSubscribe upgrades the account and requests retrieval of everything
// already archived. Both legs are idempotent, so a user who sees an error
// can simply submit again.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, userID string) {
	log := logrus.WithField("user", userID)
	if err := s.users.SetRole(r.Context(), userID, identity.RolePremium); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "No such account.")
			return
		}
		log.WithError(err).Error("Failed to upgrade account.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to upgrade your account.")
		return
	}
	restores, err := s.thaw.RequestThaw(r.Context(), userID)
	if err != nil {
		log.WithError(err).Error("Failed to request restore of archived results.")
		s.writeError(w, r, http.StatusInternalServerError, "Your account was upgraded, but restoring archived results failed. Please submit again.")
		return
	}
	log.WithField("restores", restores).Info("Upgraded account to premium.")
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"role": identity.RolePremium, "restores": restores})
		return
	}
	s.renderPage(w, http.StatusOK, "Subscription updated", func(out io.Writer) error {
		return htmlSubscribed(out, restores)
	})
}

// ownedJob loads a job and enforces that the caller owns it. Foreign jobs
// are refused without leaking whether they exist.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request, userID string) (*gas.Job, bool) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, "No such annotation job.")
			return nil, false
		}
		logrus.WithError(err).WithField("job", jobID).Error("Failed to get job.")
		s.writeError(w, r, http.StatusInternalServerError, "Failed to look up the annotation job.")
		return nil, false
	}
	if job.UserID != userID {
		s.writeError(w, r, http.StatusForbidden, "You are not authorized to view this job.")
		return nil, false
	}
	return job, true
}

func (s *Server) formatTime(ts int64) string {
	// Rendered in the same zone the notifier mails, so the site and the
	// email agree.
	loc, err := s.cfg().Email.DisplayLocation()
	if err != nil {
		loc = time.UTC
	}
	return time.Unix(ts, 0).In(loc).Format(timeLayout)
}

func (s *Server) renderPage(w http.ResponseWriter, code int, title string, content func(io.Writer) error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := htmlPageHeader(w, title); err != nil {
		logrus.WithError(err).Error("Failed to render page header.")
		return
	}
	if err := content(w); err != nil {
		logrus.WithError(err).Error("Failed to render page.")
		return
	}
	if err := htmlPageFooter(w); err != nil {
		logrus.WithError(err).Error("Failed to render page footer.")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	if wantsJSON(r) {
		writeJSON(w, code, map[string]interface{}{"code": code, "message": message})
		return
	}
	s.renderPage(w, code, http.StatusText(code), func(out io.Writer) error {
		return htmlError(out, message)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to write response.")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
