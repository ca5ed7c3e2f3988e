package http

import "manifold/internal/core/reconciler"

// == topology ==
type TopologyResponse struct {
	Name      string                    `json:"name"`
	Version   uint64                    `json:"version"`
	Steady    bool                      `json:"steady"`
	Instances int                       `json:"instances"`
	Services  []TopologyServiceResponse `json:"services"`
}

type TopologyServiceResponse struct {
	Name      string   `json:"name"`
	Image     string   `json:"image"`
	Role      string   `json:"role"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// == services ==
type ServiceStatusResponse struct {
	Name        string   `json:"name"`
	Phase       string   `json:"phase"`
	InstanceId  string   `json:"instanceId,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Retries     int      `json:"retries"`
	LastError   string   `json:"lastError,omitempty"`
	Addrs       []string `json:"addrs,omitempty"`
	UpdatedAt   string   `json:"updatedAt"`
}

// == reload ==
type ReloadResponse struct {
	Name     string   `json:"name"`
	Version  uint64   `json:"version"`
	Changed  []string `json:"changed,omitempty"`
	Services int      `json:"services"`
}

type ApiResponse struct {
	Status  string `json:"status"` // success | fail
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func statusResponse(st reconciler.ServiceStatus, addrs []string) ServiceStatusResponse {
	resp := ServiceStatusResponse{
		Name:        st.Name,
		Phase:       string(st.Phase),
		InstanceId:  st.Handle.ID,
		Fingerprint: st.Fingerprint,
		Retries:     st.Retries,
		LastError:   st.LastError,
		Addrs:       addrs,
	}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = st.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}
