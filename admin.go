package alwaysoffline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminHandler exposes the control channel and the reconnection signal over HTTP.
//
//	POST /control                    {"type": "GET_CACHE_STATS"}
//	POST /sync/{tag}                 drain the deferred writes of the tag
//	POST /partitions/{name}/refresh  re-fetch every entry of a partition
//	GET  /state                      lifecycle state and current partitions
func (e *Engine) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/control", e.handleControl)
	r.Post("/sync/{tag}", e.handleSync)
	r.Post("/partitions/{name}/refresh", e.handleRefresh)
	r.Get("/state", e.handleState)
	return r
}

func (e *Engine) handleControl(w http.ResponseWriter, r *http.Request) {
	var msg ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Malformed control message", http.StatusBadRequest)
		return
	}
	reply := make(chan any, 1)
	msg.Reply = reply
	if err := e.OnControlMessage(r.Context(), msg); errors.Is(err, ErrUnknownControlMessage) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		e.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Could not handle control message")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	select {
	case v := <-reply:
		writeJSON(w, http.StatusOK, v)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (e *Engine) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := e.OnReconnect(r.Context(), chi.URLParam(r, "tag"))
	if errors.Is(err, ErrUnknownTag) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if errors.Is(err, ErrNotActive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		e.log.Error().Err(err).Msg("Could not drain deferred writes")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *Engine) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := e.RefreshPartition(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, ErrUnknownPartition) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		e.log.Error().Err(err).Msg("Could not refresh partition")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *Engine) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		State      string   `json:"state"`
		Partitions []string `json:"partitions"`
	}{
		State:      e.State().String(),
		Partitions: e.versions.AllowList(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
