// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for orchestration probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/deadletters, and /v1/classifications for operators.
//   - GET /v1/credentials and POST /v1/credentials/{id}/disable|enable to
//     take a credential out of rotation.
//   - POST /v1/discover to start a discovery pass in the running service.
package api
