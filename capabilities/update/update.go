// Package update contains the result type of update interactions.
package update

import "github.com/DAMEDIC/fhir-store-go/model"

// Result of an update operation.
//
// It contains the persisted resource and a boolean indicating whether the
// resource was created (update-as-create) or an existing one was updated.
type Result struct {
	Resource model.Resource
	Created  bool
}
