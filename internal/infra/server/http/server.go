// Package httpserver exposes the operator API: hub inspection, ad-hoc
// publishing and persisted configuration edits.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/config"
	"github.com/coachpo/herald/internal/infra/dispatch"
	"github.com/coachpo/herald/internal/infra/hub"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath           = "/health"
	hubsPath             = "/hubs"
	hubDetailPrefix      = hubsPath + "/"
	resourcesPath        = "/config/resources"
	resourceDetailPrefix = resourcesPath + "/"
	configBackupPath     = "/config/backup"

	adminResource = "admin"
	adminOutcome  = "publish"
)

// HubDirectory lists and resolves hubs. *hub.Registry satisfies it.
type HubDirectory interface {
	Names() []string
	Default() string
	Hub(name string) (hub.Hub, error)
}

// Sender delivers an envelope. *dispatch.Sender satisfies it.
type Sender interface {
	Send(ctx context.Context, async bool, env dispatch.Envelope) (string, error)
}

// Options wires the handler's collaborators. Nil collaborators disable the
// routes that need them.
type Options struct {
	Environment config.Environment
	Hubs        HubDirectory
	Sender      Sender
	ConfigStore *config.AppConfigStore
	Dispatch    string
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	opts    Options
	started time.Time
}

// NewHandler creates the operator API handler.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{opts: opts, started: time.Now().UTC()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(hubsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listHubs,
	}))
	mux.Handle(hubDetailPrefix, http.HandlerFunc(server.handleHub))

	mux.Handle(resourcesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listResourcePolicies,
	}))
	mux.Handle(resourceDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut:    server.putResourcePolicy,
		http.MethodDelete: server.deleteResourcePolicy,
	}))

	mux.Handle(configBackupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.exportConfigBackup,
		http.MethodPost: server.restoreConfigBackup,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"environment": string(s.opts.Environment),
		"dispatch":    s.opts.Dispatch,
		"uptime":      time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.opts.Hubs != nil {
		payload["hubs"] = s.opts.Hubs.Names()
	}
	writeJSON(w, http.StatusOK, payload)
}

type hubPayload struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Default bool   `json:"default"`
}

func (s *httpServer) listHubs(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Hubs == nil {
		writeError(w, http.StatusServiceUnavailable, "hub registry unavailable")
		return
	}
	defaultName := s.opts.Hubs.Default()
	names := s.opts.Hubs.Names()
	hubs := make([]hubPayload, 0, len(names))
	for _, name := range names {
		h, err := s.opts.Hubs.Hub(name)
		if err != nil {
			continue
		}
		hubs = append(hubs, hubPayload{Name: name, URL: h.URL(), Default: name == defaultName})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hubs": hubs})
}

// handleHub routes /hubs/{name} and /hubs/{name}/updates.
func (s *httpServer) handleHub(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, hubDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "hub name required")
		return
	}
	name, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getHub(w, name)
	case "updates":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.publishUpdate(w, r, name)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown hub action %q", action))
	}
}

func (s *httpServer) getHub(w http.ResponseWriter, name string) {
	if s.opts.Hubs == nil {
		writeError(w, http.StatusServiceUnavailable, "hub registry unavailable")
		return
	}
	h, err := s.opts.Hubs.Hub(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hubPayload{Name: h.Name(), URL: h.URL(), Default: h.Name() == s.opts.Hubs.Default()})
}

type publishPayload struct {
	Update schema.Update `json:"update"`
	Async  bool          `json:"async"`
}

func (s *httpServer) publishUpdate(w http.ResponseWriter, r *http.Request, name string) {
	if s.opts.Sender == nil || s.opts.Hubs == nil {
		writeError(w, http.StatusServiceUnavailable, "publishing unavailable")
		return
	}
	if _, err := s.opts.Hubs.Hub(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var payload publishPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payload.Update.Topics) == 0 {
		writeError(w, http.StatusBadRequest, "update.topic required")
		return
	}
	env := dispatch.NewEnvelope(name, adminResource, adminOutcome, payload.Update)
	delivery, err := s.opts.Sender.Send(r.Context(), payload.Async, env)
	if err != nil {
		status := http.StatusBadGateway
		if errs.IsConfiguration(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("publish: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": env.ID, "delivery": delivery})
}

func (s *httpServer) listResourcePolicies(w http.ResponseWriter, _ *http.Request) {
	if s.opts.ConfigStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	snapshot := s.opts.ConfigStore.Snapshot()
	policies := make(map[string]any, len(snapshot.Resources))
	for class, cfg := range snapshot.Resources {
		policies[class] = cfg.Mercure
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": policies})
}

type resourcePolicyPayload struct {
	Mercure any `json:"mercure"`
}

func (s *httpServer) putResourcePolicy(w http.ResponseWriter, r *http.Request) {
	class, ok := s.resourceClass(w, r)
	if !ok {
		return
	}
	var payload resourcePolicyPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Mercure == nil {
		writeError(w, http.StatusBadRequest, "mercure policy required; use DELETE to remove an override")
		return
	}
	if _, err := schema.PolicyFromValue(payload.Mercure); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.ConfigStore.SetResourcePolicy(class, payload.Mercure); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist resource policy: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"class": class, "mercure": payload.Mercure, "appliesOn": "restart"})
}

func (s *httpServer) deleteResourcePolicy(w http.ResponseWriter, r *http.Request) {
	class, ok := s.resourceClass(w, r)
	if !ok {
		return
	}
	if err := s.opts.ConfigStore.SetResourcePolicy(class, nil); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("persist resource policy: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) resourceClass(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.opts.ConfigStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return "", false
	}
	class := strings.Trim(strings.TrimPrefix(r.URL.Path, resourceDetailPrefix), "/")
	if class == "" || strings.Contains(class, "/") {
		writeError(w, http.StatusNotFound, "resource class required")
		return "", false
	}
	return class, true
}

func (s *httpServer) exportConfigBackup(w http.ResponseWriter, _ *http.Request) {
	if s.opts.ConfigStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	data, err := config.Marshal(s.opts.ConfigStore.Snapshot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=herald-%s.yaml", time.Now().UTC().Format("20060102T150405Z")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *httpServer) restoreConfigBackup(w http.ResponseWriter, r *http.Request) {
	if s.opts.ConfigStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read backup: %v", err))
		return
	}
	cfg, err := config.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid backup: %v", err))
		return
	}
	if err := s.opts.ConfigStore.Replace(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("restore backup: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored", "appliesOn": "restart"})
}

func decodeJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("decode payload: empty body")
		}
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
