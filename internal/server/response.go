package server

import (
	"encoding/json"
	"net/http"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/mind-orchestrator/mind/internal/model"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{Message: msg})
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    model.Kind `json:"kind"`
	Message string     `json:"message"`
	Field   string      `json:"field,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// httpError maps any error onto the central {error:{kind,message,trace_id}}
// envelope (§7). Non-*model.Error values are treated as Internal with a
// generic message (no internal paths leaked).
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	var merr *model.Error
	if e, ok := err.(*model.Error); ok {
		merr = e
	} else {
		merr = model.NewError(model.KindInternal, "internal error")
	}
	merr.TraceID = traceIDFromRequest(r)

	httpResponseJSON(w, errorEnvelope{Error: errorBody{
		Kind:    merr.Kind,
		Message: merr.Message,
		Field:   merr.Field,
		TraceID: merr.TraceID,
	}}, merr.StatusCode())
}

func traceIDFromRequest(r *http.Request) string {
	return r.Header.Get(mrequestid.HeaderXRequestID)
}
