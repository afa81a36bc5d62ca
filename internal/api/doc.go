// Package api hosts the HTTP server, middleware, and REST handlers of the
// crawl-job service. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/jobs, GET /v1/jobs/{job_id}, POST /v1/jobs/{job_id}/cancel
//     for the job lifecycle.
//   - GET /v1/jobs/{job_id}/pages for the per-page audit trail.
//   - GET /v1/statistics for per-user totals.
package api
