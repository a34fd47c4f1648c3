// Package httpapi exposes the job control API over HTTP with chi.
//
// Routes:
//
//	POST   /collections/{collectionID}/ingest        multipart upload
//	POST   /collections/{collectionID}/ingest-url    JSON {url, plugin_name, plugin_params}
//	GET    /collections/{collectionID}/jobs          ?status=&limit=&offset=&sort=&order=
//	GET    /collections/{collectionID}/jobs/summary
//	GET    /jobs/{jobID}
//	POST   /jobs/{jobID}/retry                       optional JSON {plugin_params}
//	POST   /jobs/{jobID}/cancel
//	DELETE /jobs/{jobID}
//	GET    /plugins
//	GET    /healthz
//
// The submitting owner is read from the X-Owner header. Errors are returned
// as {"error": "...", "type": "..."} with 400 for validation errors, 404 for
// unknown jobs, 409 for invalid state transitions and 500 otherwise.
package httpapi
