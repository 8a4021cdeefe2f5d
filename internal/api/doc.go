// Package api hosts the HTTP server, middleware, and REST handlers for the
// admission API. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrapers/{task_id}/start and /stop to admit or stop scrapers.
//   - GET /v1/scrapers and /v1/scrapers/{task_id} for live state.
//   - GET /v1/admission and /v1/pool for capacity metrics.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     store.RunRepository interface.
package api
