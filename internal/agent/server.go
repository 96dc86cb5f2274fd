package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Server is the agent's HTTP admin surface inside the enclave VM.
type Server struct {
	Attestor *Attestor
	Deployer *Deployer
	Log      *slog.Logger
}

const logTailBytes = 20000

// Router builds the agent route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/attestation", s.handleAttestation).Methods(http.MethodGet)
	r.HandleFunc("/deploy", s.handleDeploy).Methods(http.MethodPost)
	r.HandleFunc("/status/{deployment_id}", s.handleStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAttestation(w http.ResponseWriter, _ *http.Request) {
	attestation, err := s.Attestor.Build()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, attestation)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo             string `json:"repo"`
		Port             int    `json:"port"`
		BundleArtifactID *int64 `json:"bundle_artifact_id"`
		BundleB64        string `json:"bundle_b64"`
		PrivateEnv       string `json:"private_env"`
		SealVM           bool   `json:"seal_vm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if req.Repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required field: repo"})
		return
	}
	if req.BundleArtifactID == nil && req.BundleB64 == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bundle_artifact_id or bundle_b64 required"})
		return
	}
	port := req.Port
	if port == 0 {
		port = 8080
	}

	dep := &Deployment{
		Repo:             req.Repo,
		Port:             port,
		BundleArtifactID: req.BundleArtifactID,
		BundleB64:        req.BundleB64,
		PrivateEnv:       req.PrivateEnv,
		SealVM:           req.SealVM,
	}
	if err := s.Deployer.Deploy(dep); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": dep.ID,
		"status":        StatusPending,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deploymentID := mux.Vars(r)["deployment_id"]
	dep, err := s.Deployer.Load(deploymentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if dep == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Deployment not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": dep,
		"log":        s.Deployer.LogTail(deploymentID, logTailBytes),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
