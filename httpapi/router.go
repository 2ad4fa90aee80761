// Package httpapi is the HTTP surface spec.md §6 describes as
// "implementation-dependent but conventionally" these three endpoints: the
// workflow/step queue delivery callbacks and the webhook resume endpoint.
// Routing follows the corpus's go-chi/chi + go-chi/cors convention
// (jordigilh-kubernaut), grounded on that repo's chi.NewRouter()/cors.Handler
// wiring.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/runflow-dev/workflow/hook"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/workflowerr"
)

// deliveryRequest is the wire shape the queue transport posts for both the
// flow and step endpoints.
type deliveryRequest struct {
	Topic        string            `json:"topic"`
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id,omitempty"`
	TraceCarrier map[string]string `json:"trace_carrier,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	HealthCheck  bool              `json:"health_check,omitempty"`
}

// NewRouter builds the chi.Router exposing the three endpoints of spec.md
// §6: flow delivery, step delivery, and webhook resume.
func NewRouter(dispatcher *queue.Dispatcher, hooks *hook.Manager) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/.well-known/workflow/v1/flow", deliveryHandler(dispatcher))
	r.Post("/.well-known/workflow/v1/step", deliveryHandler(dispatcher))
	r.Post("/.well-known/workflow/v1/webhook/{token}", webhookHandler(hooks))

	return r
}

// deliveryHandler serves both the flow and step endpoints: both accept the
// same wire shape and both answer the reserved health-check marker with a
// 200 and an empty outcome body (404 if the topic has no handler), per
// spec.md §6.
func deliveryHandler(dispatcher *queue.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deliveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		msg := queue.Message{
			Topic:        req.Topic,
			RunID:        req.RunID,
			StepID:       req.StepID,
			TraceCarrier: req.TraceCarrier,
			Attempt:      req.Attempt,
		}
		if req.HealthCheck {
			msg.RunID = queue.HealthCheckMarker
		}

		outcome, err := dispatcher.InvokeHandler(r.Context(), msg)
		if err != nil {
			if errors.Is(err, queue.ErrNoHandler) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(outcome)
	}
}

// webhookPayload is the hook's resume value: per spec.md §4.5 step 2, "the
// request payload (body and headers)", not the body alone.
type webhookPayload struct {
	Body    any         `json:"body"`
	Headers http.Header `json:"headers"`
}

// webhookHandler resolves <token> to its hook and resumes the suspended run
// with the request body and headers as the payload, per spec.md §6 and
// §4.5. The response body echoes that same payload, per §6's "Response
// body is the payload the hook resumes with."
func webhookHandler(hooks *hook.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		var body any
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
		}
		payload := webhookPayload{Body: body, Headers: r.Header}

		if _, err := hooks.Resume(r.Context(), token, payload); err != nil {
			if classified, ok := workflowerr.AsClassified(err); ok && classified.Status() == http.StatusNotFound {
				http.Error(w, "unknown hook token", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
	}
}
