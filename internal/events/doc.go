// Package events publishes run progress events to external consumers.
// Events go to a RabbitMQ topic exchange with the event type as routing key,
// so consumers can bind to "run.*" or "stage.#" as they need.
package events
