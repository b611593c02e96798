// Package dvmock is a Dataverse stand-in good enough to publish datasets.
package dvmock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

type dataset struct {
	state string
	files int
}

type Server struct {
	URL string

	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	datasets map[string]*dataset
	requests []string
	nextID   int64
}

func New(t *testing.T) *Server {
	s := &Server{
		t:        t,
		datasets: map[string]*dataset{},
		nextID:   1,
	}
	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL + "/"
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.record)
	r.HandleFunc("/api/dataverses/{alias}/datasets", s.create).Methods(http.MethodPost)
	r.HandleFunc("/api/datasets/:persistentId/add", s.addFile).Methods(http.MethodPost)
	r.HandleFunc("/api/datasets/:persistentId/locks", s.locks).Methods(http.MethodGet)
	r.HandleFunc("/api/datasets/:persistentId/actions/:publish", s.publish).Methods(http.MethodPost)
	r.HandleFunc("/api/datasets/:persistentId/versions/:latest", s.version).Methods(http.MethodGet)
	r.HandleFunc("/api/datasets/:persistentId/versions/:draft", s.deleteDraft).Methods(http.MethodDelete)
	r.HandleFunc("/api/datasets/:persistentId/files/actions/:set-embargo", s.ok).Methods(http.MethodPost)
	r.HandleFunc("/api/search", s.search).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.t.Errorf("Unexpected Dataverse request: %s %s", r.Method, r.URL.Path)
		reply(w, http.StatusNotFound, "ERROR", nil)
	})
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *dataset {
	d, ok := s.datasets[r.URL.Query().Get("persistentId")]
	if !ok {
		reply(w, http.StatusNotFound, "ERROR", nil)
	}
	return d
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := fmt.Sprintf("doi:10.5072/FK2/MOCK%02d", len(s.datasets)+1)
	s.datasets[pid] = &dataset{state: "DRAFT"}
	reply(w, http.StatusCreated, "OK", map[string]interface{}{"id": len(s.datasets), "persistentId": pid})
}

func (s *Server) addFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.lookup(w, r)
	if d == nil {
		return
	}
	d.files++
	id := s.nextID
	s.nextID++
	reply(w, http.StatusOK, "OK", map[string]interface{}{
		"files": []interface{}{map[string]interface{}{"dataFile": map[string]interface{}{"id": id}}},
	})
}

func (s *Server) locks(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, "OK", []interface{}{})
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.lookup(w, r); d != nil {
		d.state = "RELEASED"
		reply(w, http.StatusOK, "OK", nil)
	}
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.lookup(w, r); d != nil {
		reply(w, http.StatusOK, "OK", map[string]interface{}{"versionState": d.state})
	}
}

func (s *Server) deleteDraft(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.lookup(w, r); d != nil {
		delete(s.datasets, r.URL.Query().Get("persistentId"))
		reply(w, http.StatusOK, "OK", nil)
	}
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, "OK", map[string]interface{}{"total_count": 0, "items": []interface{}{}})
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request) {
	reply(w, http.StatusOK, "OK", nil)
}

func reply(w http.ResponseWriter, code int, status string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "data": data})
}

// Released returns the identifiers of the released datasets.
func (s *Server) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []string
	for pid, d := range s.datasets {
		if d.state == "RELEASED" {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Files returns the number of files added to the dataset.
func (s *Server) Files(pid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.datasets[pid]; ok {
		return d.files
	}
	return 0
}

func (s *Server) AssertAPIUsed() {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		s.t.Error("Dataverse API not used")
	}
}

func (s *Server) AssertAPINotUsed() {
	s.t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) > 0 {
		s.t.Errorf("Dataverse API used: %v", s.requests)
	}
}

func (s *Server) Stop() {
	s.srv.Close()
}
