package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/tutorledger/internal/api/middleware"
	"github.com/kiranshivaraju/tutorledger/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob http.HandlerFunc
	GetJob    http.HandlerFunc
	JobStatus http.HandlerFunc
	CancelJob http.HandlerFunc

	Quota http.HandlerFunc

	ListParsedResults http.HandlerFunc
	ReconcileOCR      http.HandlerFunc
	AssignStudent     http.HandlerFunc
	ImportResult      http.HandlerFunc
	VerifyImports     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs/{jobKey}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/jobs/{jobKey}/status", orNotImplemented(deps.JobStatus))
		r.Post("/api/v1/jobs/{jobKey}/cancel", orNotImplemented(deps.CancelJob))

		r.Get("/api/v1/quota", orNotImplemented(deps.Quota))

		// Static segments win over {jobID} in chi, so /ocr/results/... is unambiguous.
		r.Get("/api/v1/ocr/{jobID}/results", orNotImplemented(deps.ListParsedResults))
		r.Post("/api/v1/ocr/{jobID}/reconcile", orNotImplemented(deps.ReconcileOCR))
		r.Get("/api/v1/ocr/{jobID}/verify", orNotImplemented(deps.VerifyImports))
		r.Post("/api/v1/ocr/results/{resultID}/assign", orNotImplemented(deps.AssignStudent))
		r.Post("/api/v1/ocr/results/{resultID}/import", orNotImplemented(deps.ImportResult))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
