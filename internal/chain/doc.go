// Package chain runs pipelines: ordered lists of container stages that share
// one scratch workspace mounted at /job.
//
// A run validates the pipeline, resolves every distinct image concurrently
// (pulling from the registry and falling back to the local store), creates a
// fresh workspace and then executes the stages one at a time. Each stage is
// bounded by its own timeout; a stage that outlives it is killed. The run
// stops at the first unsuccessful stage. Containers are removed after their
// results are collected and the workspace is deleted when the run ends,
// whatever the outcome.
package chain
