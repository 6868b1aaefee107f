// Package api describes the HTTP surface of the fedgate federating gateway.
//
// # API Overview
//
// fedgate exposes each enabled FDSN resource under its standard path:
//   - /fdsnws/dataselect/1/query   (GET or POST, miniSEED)
//   - /fdsnws/station/1/query      (GET or POST, StationXML or text)
//   - /fdsnws/availability/1/query (GET or POST, text, geocsv, json or request)
//   - /eidaws/wfcatalog/1/query    (GET or POST, JSON)
//   - /fdsnws/<resource>/1/version
//
// Query responses are streamed. Partial results carry the trailers
// X-Fedgate-Status and X-Fedgate-Omitted. Errors on query paths use the
// FDSN plain-text error document; JSON endpoints use ErrorResponse.
//
// # Operational endpoints
//
//   - /health, /healthz   liveness
//   - /ready              readiness (redis, routing database)
//   - /version            VersionInfo
//   - /api/v1/endpoints   EndpointListResponse
//   - /metrics            Prometheus metrics on the metrics port
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
