package operator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/tunnelmesh/internal/database"
	"github.com/ocx/tunnelmesh/internal/registry"
)

// HTTPServer exposes the operator Service over REST/JSON for cmd/ocx-ctl
// and any other administrative client, grounded on the teacher's
// internal/api.APIServer gorilla/mux wiring.
type HTTPServer struct {
	svc *Service
	log *slog.Logger
}

// NewHTTPServer wraps svc for HTTP serving.
func NewHTTPServer(svc *Service, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPServer{svc: svc, log: log}
}

// Router builds the mux.Router for the operator surface's routes.
func (s *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/membership", s.handleMembershipChange).Methods("POST")
	r.HandleFunc("/v1/exit-nodes", s.handleRegisterExit).Methods("POST")
	r.HandleFunc("/v1/exit-nodes/{node_id}", s.handleDeregisterExit).Methods("DELETE")
	r.HandleFunc("/v1/users", s.handleCreateUser).Methods("POST")
	r.HandleFunc("/v1/users", s.handleListUsers).Methods("GET")
	r.HandleFunc("/v1/users/{user_id}", s.handleDeleteUser).Methods("DELETE")
	r.HandleFunc("/v1/emergency", s.handleEmergency).Methods("POST")
	r.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type membershipChangeRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Voter   bool   `json:"voter"`
	Add     bool   `json:"add"`
}

func (s *HTTPServer) handleMembershipChange(w http.ResponseWriter, r *http.Request) {
	var req membershipChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.MembershipChange(r.Context(), req.NodeID, req.Address, req.Voter, req.Add); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerExitRequest struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	Weight    int    `json:"weight"`
	GroupID   string `json:"group_id"`
	Region    string `json:"region"`
	Provision bool   `json:"provision"`
	Image     string `json:"image"`
}

func (s *HTTPServer) handleRegisterExit(w http.ResponseWriter, r *http.Request) {
	var req registerExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delta := registry.ExitDelta{NodeID: req.NodeID, Address: req.Address, Weight: req.Weight, GroupID: req.GroupID, Region: req.Region}
	if err := s.svc.RegisterExitNode(r.Context(), delta, req.Provision, req.Image); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleDeregisterExit(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	if err := s.svc.DeregisterExitNode(r.Context(), nodeID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u database.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.CreateUser(r.Context(), &u); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context(), 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := s.svc.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type emergencyRequest struct {
	Level     int `json:"level"`
	WithinSec int `json:"within_sec"`
}

func (s *HTTPServer) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.svc.TriggerEmergency(req.Level, time.Duration(req.WithinSec)*time.Second)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ClusterStats(r.Context()))
}
