package kernel

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepliif/mlops/internal/server"
)

// maxPayload bounds an inference request, base64 images included.
const maxPayload = 256 << 20

// Registry returns the registry holding the kernel metrics.
func (k *Kernel) Registry() *prometheus.Registry {
	return k.registry
}

// Router serves POST /invoke plus the common health and metrics endpoints.
func (k *Kernel) Router() chi.Router {
	r := server.NewRouter(k.registry)
	r.Post("/invoke", k.handleInvoke)
	return r
}

func (k *Kernel) handleInvoke(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		server.WriteJSON(w, http.StatusBadRequest, Output{Status: StatusFailed, Log: []string{}, Msg: err.Error()})
		return
	}

	server.WriteJSON(w, http.StatusOK, k.Invoke(r.Context(), payload))
}
