// Package httpapi hosts the HTTP Listener & Router, the Admin API, and
// the Instance Proxy: the data-plane surface that sits in front of a
// serverbox.Manager and serverbox.Coordinator. Routing and JSON envelope
// conventions are styled after the teacher's internal/daemon.ControlAPI
// (mux.HandleFunc dispatch, writeJSON/writeError helpers); the reverse
// proxy forwarder replaces the teacher's raw io.Copy SSH pipe with an
// HTTP request/response byte-pipe plus header rewriting.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/serverbox/serverbox"
)

const maxJSONBytes = 1 << 20 // 1MB, matching the teacher's request-body cap

// decodeJSON decodes r's body into dest, rejecting unknown fields and
// trailing data the way the teacher's decodeJSON does.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return serverbox.NewError(serverbox.KindInvalidConfig, "request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return serverbox.WrapError(serverbox.KindInvalidConfig, "invalid request body", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return serverbox.NewError(serverbox.KindInvalidConfig, "unexpected trailing data in request body")
	}
	return nil
}

// decodeOptionalJSON decodes r's body into dest if present; a missing or
// empty body is not an error, matching the resume route, which accepts an
// optional JSON body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return serverbox.WrapError(serverbox.KindInvalidConfig, "failed to read request body", err)
	}
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return serverbox.WrapError(serverbox.KindInvalidConfig, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeAPIError renders err as {error, code?} with the status §4.H maps
// its Kind to, the single translation point every handler's error path
// funnels through.
func writeAPIError(w http.ResponseWriter, err error) {
	kind := serverbox.KindOf(err)
	status := serverbox.HTTPStatus(kind)
	payload := map[string]string{"error": err.Error()}
	if kind != "" {
		payload["code"] = string(kind)
	}
	writeJSON(w, status, payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
