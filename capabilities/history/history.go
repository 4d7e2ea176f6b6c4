// Package history contains the parameter and result types of history
// interactions.
package history

import (
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
)

// Params selects a slice of a version lineage.
type Params struct {
	// Since keeps only versions written at or after this instant.
	// Zero means unbounded.
	Since time.Time
	// At keeps only versions current at this instant. Zero means all.
	At time.Time
	// Count bounds the number of returned entries. Zero means the backend
	// default.
	Count int
	// Cursor continues a previous history page.
	Cursor search.Cursor
}

// Result is one page of a history, reverse chronological, tombstones
// included.
type Result struct {
	Entries []model.Resource
	Next    search.Cursor
	Total   *int
}
