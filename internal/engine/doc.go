// Package engine runs pipelines asynchronously on behalf of the API.
// It persists every run and its stage results, bounds the number of runs in
// flight, supports cancellation and fans progress events out to SSE
// subscribers and the configured event publisher.
package engine
