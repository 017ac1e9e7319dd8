package model

import "github.com/oklog/ulid/v2"

// NewID generates a run identifier. IDs sort lexically by creation time,
// which the stores rely on for stable listing order.
func NewID() string {
	return ulid.Make().String()
}
