// Package api exposes the request lifecycle over HTTP: family members (or
// the chat gateway acting for them) submit asks, admins moderate them and
// anyone can inspect where a request currently stands. A small dashboard
// is served from the root path.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"tunelift/dispatcher"
	"tunelift/request"
	"tunelift/storage"
)

// ActorHeader carries the id of the admin performing a moderation action.
const ActorHeader = "X-Tunelift-Actor"

type API struct {
	Server     *http.Server
	Storage    *storage.Storage
	Dispatcher *dispatcher.Dispatcher
	Log        *log.Logger
}

// submitParams is the expected body of a submission.
type submitParams struct {
	RequesterID string `json:"requester_id"`
	Text        string `json:"text"`
	MessageRef  string `json:"message_ref"`
}

// New sets up the routes and the underlying http.Server. heartbeatPath,
// when non-empty, answers 200 for load balancer checks.
func New(d *dispatcher.Dispatcher, s *storage.Storage, host string, port int,
	heartbeatPath string, logger *log.Logger) *API {

	as := &API{Storage: s, Dispatcher: d, Log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/requests", as.handleCollection)
	mux.HandleFunc("/requests/", as.handleMember)
	mux.HandleFunc("/stats", as.handleStats)
	if heartbeatPath != "" {
		mux.HandleFunc(heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	fs, err := staticFs()
	if err != nil {
		logger.Println("Could not load dashboard assets:", err)
	} else {
		mux.Handle("/", http.FileServer(fs))
	}

	as.Server = &http.Server{Handler: mux, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

// handleCollection serves POST /requests (submit) and GET /requests
// (list, optionally filtered by ?state=).
func (as *API) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		as.submit(w, r)
	case "GET":
		as.list(w, r)
	default:
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

func (as *API) submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var params submitParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Error parsing request body", http.StatusBadRequest)
		return
	}

	req, err := as.Dispatcher.Submit(params.RequesterID, params.Text, params.MessageRef)
	if err != nil {
		as.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	as.respond(w, req)
}

func (as *API) list(w http.ResponseWriter, r *http.Request) {
	var (
		reqs []request.Request
		err  error
	)

	if st := r.URL.Query().Get("state"); st != "" {
		state := request.State(st)
		if !state.Valid() {
			http.Error(w, "Unknown state "+st, http.StatusBadRequest)
			return
		}
		reqs, err = as.Storage.RequestsInState(state)
	} else {
		reqs = []request.Request{}
		err = as.Storage.ScanRequests(func(req request.Request) bool {
			reqs = append(reqs, req)
			return true
		})
	}
	if err != nil {
		as.fail(w, err)
		return
	}

	as.respond(w, reqs)
}

// handleMember serves GET /requests/{id} and
// POST /requests/{id}/{approve,reject,retry}.
func (as *API) handleMember(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/requests/"), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != "GET" {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		req, err := as.Storage.GetRequest(parts[0])
		if err != nil {
			as.fail(w, err)
			return
		}
		as.respond(w, req)
	case len(parts) == 2:
		if r.Method != "POST" {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		as.moderate(w, r, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (as *API) moderate(w http.ResponseWriter, r *http.Request, id, action string) {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		http.Error(w, "Missing "+ActorHeader+" header", http.StatusBadRequest)
		return
	}

	var (
		req request.Request
		err error
	)
	switch action {
	case "approve":
		req, err = as.Dispatcher.Approve(actor, id)
	case "reject":
		req, err = as.Dispatcher.Reject(actor, id)
	case "retry":
		req, err = as.Dispatcher.Retry(actor, id)
	default:
		http.Error(w, "Unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		as.fail(w, err)
		return
	}

	as.respond(w, req)
}

// handleStats exposes the stats reported by the processor and notifier
// daemons, as stored in Redis.
func (as *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	out := make(map[string]json.RawMessage)
	for _, id := range []string{"processor", "notifier"} {
		val, err := as.Storage.GetStats(id)
		if err != nil {
			as.Log.Printf("Error fetching %s stats: %s", id, err)
			continue
		}
		if val != "" {
			out[id] = json.RawMessage(val)
		}
	}

	as.respond(w, out)
}

func (as *API) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		as.Log.Println("Error encoding response:", err)
	}
}

// fail maps domain errors to HTTP statuses.
func (as *API) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatcher.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, dispatcher.ErrEmptyText):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, request.ErrIllegalTransition), errors.Is(err, storage.ErrDuplicateID):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
