package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/photokeep/photokeep/internal/jobs"
	"github.com/photokeep/photokeep/internal/web/handlers"
)

func (s *Server) setupRoutes(index handlers.ScanIndex, queue *jobs.Queue, tracker *handlers.ProgressTracker) {
	statusHandler := handlers.NewStatusHandler(index, tracker)
	jobsHandler := handlers.NewJobsHandler(queue)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler.Get)

		r.Get("/jobs", jobsHandler.List)
		r.Get("/jobs/{id}", jobsHandler.Get)
		r.Delete("/jobs/{id}", jobsHandler.Cancel)
	})

	s.router.Get("/", s.landingPage)
}

// landingPage points a browser at the API. There is no bundled frontend.
func (s *Server) landingPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>PhotoKeep</title>
    <style>
        body { font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #1a1a2e; color: #eee; }
        .container { text-align: center; }
        h1 { color: #00d9ff; }
        p { color: #aaa; }
        a { color: #00d9ff; }
    </style>
</head>
<body>
    <div class="container">
        <h1>PhotoKeep</h1>
        <p>Scan progress: <a href="/api/v1/status">/api/v1/status</a></p>
        <p>Jobs: <a href="/api/v1/jobs">/api/v1/jobs</a></p>
    </div>
</body>
</html>`))
}
