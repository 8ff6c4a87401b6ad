// Package metrics provides Prometheus instrumentation across five
// dimensions: HTTP, LLM, dispatch/circuit breaker, cache, and database.
//
// Collector registers its vectors via promauto so callers never touch a
// Registry directly. RecordHTTPRequest buckets by method/path/status
// (collapsed to 2xx/3xx/4xx/5xx); RecordLLMRequest tracks request count,
// duration, prompt/completion tokens, and cost by provider/model;
// RecordDispatch/RecordCircuitTransition cover provider selection and
// breaker state; RecordCacheHit/RecordCacheMiss and
// RecordDBConnections/RecordDBQuery cover the remaining two dimensions.
package metrics
