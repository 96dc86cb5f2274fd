// Package registry holds the in-memory map from app names to the
// currently admitted enclave instance. State is volatile by design:
// agents re-register after a control plane restart.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAppBoundToRepo is returned when a register call names an app that
// already belongs to a different repository.
var ErrAppBoundToRepo = errors.New("app_name already bound to a different repo")

// ErrUnknownApp is returned by mark operations on missing records.
var ErrUnknownApp = errors.New("unknown app")

// AppRecord is the admitted state of one app. Records are owned by the
// Registry; callers receive copies.
type AppRecord struct {
	AppName               string
	Repo                  string
	ReleaseTag            string
	Network               string
	AgentID               string
	RegisteredAt          time.Time
	RegistrationExpiresAt time.Time
	LastAttestedAt        *time.Time
	LastHealthAt          *time.Time
	Sealed                bool
	AttestationStatus     string
	HealthStatus          string
	WSConnected           bool
	TunnelID              string
}

// Config fixes the registration TTL window.
type Config struct {
	TTLDays  int
	WarnDays int
	// SealedRequired reports whether a network demands a sealed image;
	// it feeds the derived allowed flag.
	SealedRequired func(network string) bool
}

// Registry synchronises all record access behind one RWMutex; callers
// never observe partial records.
type Registry struct {
	cfg Config

	mu   sync.RWMutex
	apps map[string]*AppRecord
	now  func() time.Time
}

func New(cfg Config) *Registry {
	return &Registry{
		cfg:  cfg,
		apps: make(map[string]*AppRecord),
		now:  time.Now,
	}
}

// Get returns a copy of the record, or nil when unknown.
func (r *Registry) Get(appName string) *AppRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.apps[appName]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// List returns copies of all records sorted by app name.
func (r *Registry) List() []*AppRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AppRecord, 0, len(r.apps))
	for _, rec := range r.apps {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out
}

// Register creates or refreshes the record for appName, resetting the TTL
// window and preserving the attestation and health history. Re-binding an
// existing app to a different repo fails.
func (r *Registry) Register(appName, repo, releaseTag, network, agentID string) (*AppRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expires := now.Add(time.Duration(r.cfg.TTLDays) * 24 * time.Hour)

	rec, ok := r.apps[appName]
	if ok {
		if rec.Repo != repo {
			return nil, ErrAppBoundToRepo
		}
		rec.ReleaseTag = releaseTag
		rec.Network = network
		rec.AgentID = agentID
		rec.RegisteredAt = now
		rec.RegistrationExpiresAt = expires
	} else {
		rec = &AppRecord{
			AppName:               appName,
			Repo:                  repo,
			ReleaseTag:            releaseTag,
			Network:               network,
			AgentID:               agentID,
			RegisteredAt:          now,
			RegistrationExpiresAt: expires,
			AttestationStatus:     "unknown",
			HealthStatus:          "unknown",
		}
		r.apps[appName] = rec
	}
	cp := *rec
	return &cp, nil
}

// MarkAttested records an attestation round outcome.
func (r *Registry) MarkAttested(appName string, sealed bool, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[appName]
	if !ok {
		return ErrUnknownApp
	}
	now := r.now()
	rec.LastAttestedAt = &now
	rec.Sealed = sealed
	rec.AttestationStatus = status
	return nil
}

// MarkHealth records a health report.
func (r *Registry) MarkHealth(appName, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[appName]
	if !ok {
		return ErrUnknownApp
	}
	now := r.now()
	rec.LastHealthAt = &now
	rec.HealthStatus = status
	return nil
}

// MarkConnection flips the tunnel connectivity bit. Disconnects also fail
// health so a dead tunnel cannot keep an app allowed.
func (r *Registry) MarkConnection(appName string, connected bool, tunnelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[appName]
	if !ok {
		return ErrUnknownApp
	}
	rec.WSConnected = connected
	rec.TunnelID = tunnelID
	if !connected {
		rec.HealthStatus = "fail"
	}
	return nil
}

// RegistrationState derives the TTL state at the current time.
func (r *Registry) RegistrationState(rec *AppRecord) string {
	now := r.now()
	if !now.Before(rec.RegistrationExpiresAt) {
		return "expired"
	}
	warnAt := rec.RegistrationExpiresAt.Add(-time.Duration(r.cfg.WarnDays) * 24 * time.Hour)
	if !now.Before(warnAt) {
		return "warning"
	}
	return "active"
}

// StatusPayload is the externally observable view of one app.
type StatusPayload struct {
	AppName               string  `json:"app_name"`
	Repo                  string  `json:"repo"`
	ReleaseTag            string  `json:"release_tag"`
	Network               string  `json:"network"`
	AgentID               string  `json:"agent_id"`
	RegisteredAt          string  `json:"registered_at"`
	RegistrationExpiresAt string  `json:"registration_expires_at"`
	RegistrationState     string  `json:"registration_state"`
	Sealed                bool    `json:"sealed"`
	AttestationStatus     string  `json:"attestation_status"`
	HealthStatus          string  `json:"health_status"`
	WSConnected           bool    `json:"ws_connected"`
	LastAttestedAt        *string `json:"last_attested_at"`
	LastHealthAt          *string `json:"last_health_at"`
	Allowed               bool    `json:"allowed"`
}

// StatusPayloadFor computes the derived view, including the allowed flag:
// active registration, valid attestation, passing health, live tunnel, and
// sealed when the network requires it.
func (r *Registry) StatusPayloadFor(rec *AppRecord) StatusPayload {
	state := r.RegistrationState(rec)
	allowed := state == "active" &&
		rec.AttestationStatus == "valid" &&
		rec.HealthStatus == "pass" &&
		rec.WSConnected
	if r.cfg.SealedRequired != nil && r.cfg.SealedRequired(rec.Network) && !rec.Sealed {
		allowed = false
	}

	payload := StatusPayload{
		AppName:               rec.AppName,
		Repo:                  rec.Repo,
		ReleaseTag:            rec.ReleaseTag,
		Network:               rec.Network,
		AgentID:               rec.AgentID,
		RegisteredAt:          rec.RegisteredAt.UTC().Format(time.RFC3339Nano),
		RegistrationExpiresAt: rec.RegistrationExpiresAt.UTC().Format(time.RFC3339Nano),
		RegistrationState:     state,
		Sealed:                rec.Sealed,
		AttestationStatus:     rec.AttestationStatus,
		HealthStatus:          rec.HealthStatus,
		WSConnected:           rec.WSConnected,
		Allowed:               allowed,
	}
	if rec.LastAttestedAt != nil {
		v := rec.LastAttestedAt.UTC().Format(time.RFC3339Nano)
		payload.LastAttestedAt = &v
	}
	if rec.LastHealthAt != nil {
		v := rec.LastHealthAt.UTC().Format(time.RFC3339Nano)
		payload.LastHealthAt = &v
	}
	return payload
}

// StatusPayload looks up an app and computes its view in one step.
func (r *Registry) StatusPayload(appName string) (StatusPayload, bool) {
	rec := r.Get(appName)
	if rec == nil {
		return StatusPayload{}, false
	}
	return r.StatusPayloadFor(rec), true
}
