package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"manifold/internal/api/http/logger"
	"manifold/internal/core/reconciler"
	"manifold/internal/core/resolver"
	"manifold/internal/core/topology"
)

func NewRequestHandler(controller reconciler.ControllerHandler, configPath string) *RequestHandler {
	return &RequestHandler{
		controllerHandler: controller,
		topologyHandler:   topology.NewTopologyService(),
		resolverHandler:   resolver.NewResolverService(),
		configPath:        configPath,
	}
}

type RequestHandler struct {
	controllerHandler reconciler.ControllerHandler
	topologyHandler   topology.TopologyServiceHandler
	resolverHandler   resolver.ResolverHandler
	configPath        string
}

func (h *RequestHandler) ShowTopology(w http.ResponseWriter, r *http.Request) {
	desired := h.controllerHandler.Desired()
	if desired == nil {
		h.responsdFail(w, http.StatusServiceUnavailable, "no topology loaded", nil)
		return
	}

	resp := TopologyResponse{
		Name:      desired.Name,
		Version:   desired.Version,
		Steady:    h.controllerHandler.Steady(),
		Instances: len(h.controllerHandler.Instances()),
	}
	for _, name := range desired.Names() {
		spec, _ := desired.Get(name)
		resp.Services = append(resp.Services, TopologyServiceResponse{
			Name:      spec.Name,
			Image:     spec.Image,
			Role:      string(spec.Role),
			DependsOn: spec.DependsOn,
		})
	}

	logger.SetTarget(r.Context(), logger.Target{Topology: desired.Name, Version: desired.Version})
	h.responsdSuccess(w, http.StatusOK, "topology", resp)
}

func (h *RequestHandler) ListServiceStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.controllerHandler.Statuses()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	resp := make([]ServiceStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		resp = append(resp, statusResponse(st, h.controllerHandler.Lookup(st.Name)))
	}

	h.responsdSuccess(w, http.StatusOK, "service status", resp)
}

func (h *RequestHandler) ShowServiceStatus(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if service == "" {
		h.responsdFail(w, http.StatusBadRequest, "missing service name", nil)
		return
	}

	logger.SetTarget(r.Context(), logger.Target{Service: service})

	for _, st := range h.controllerHandler.Statuses() {
		if st.Name == service {
			h.responsdSuccess(w, http.StatusOK, "service status", statusResponse(st, h.controllerHandler.Lookup(st.Name)))
			return
		}
	}

	h.responsdFail(w, http.StatusNotFound, "unknown service: "+service, nil)
}

func (h *RequestHandler) ReloadTopology(w http.ResponseWriter, r *http.Request) {
	// re-read the manifest from disk; the request body is ignored
	next, err := h.topologyHandler.LoadFile(h.configPath)
	if err == nil {
		_, err = h.resolverHandler.Order(next)
	}
	if err != nil {
		var cfgErr *topology.ConfigError
		var cycErr *resolver.CycleError
		logger.SetReason(r.Context(), err.Error())
		if errors.As(err, &cfgErr) || errors.As(err, &cycErr) {
			h.responsdFail(w, http.StatusBadRequest, "invalid topology: "+err.Error(), nil)
			return
		}
		h.responsdFail(w, http.StatusInternalServerError, "reload failed: "+err.Error(), nil)
		return
	}

	changed := h.topologyHandler.Diff(h.controllerHandler.Desired(), next)
	h.controllerHandler.SetTopology(next)

	logger.SetTarget(r.Context(), logger.Target{Topology: next.Name, Version: next.Version})
	logger.PutExtra(r.Context(), "changed", changed)

	h.responsdSuccess(w, http.StatusOK, "topology reloaded", ReloadResponse{
		Name:     next.Name,
		Version:  next.Version,
		Changed:  changed,
		Services: next.Len(),
	})
}

func (h *RequestHandler) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *RequestHandler) responsdSuccess(w http.ResponseWriter, statusCode int, message string, data any) {
	h.writeJson(w, statusCode, ApiResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

func (h *RequestHandler) responsdFail(w http.ResponseWriter, statusCode int, message string, data any) {
	h.writeJson(w, statusCode, ApiResponse{
		Status:  "fail",
		Message: message,
		Data:    data,
	})
}
