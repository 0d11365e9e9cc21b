/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"errors"
	"fmt"

	"github.com/opendatalab/spawner/internal/metering"
	"github.com/opendatalab/spawner/internal/store"
)

// Kind classifies orchestration failures so the HTTP layer can map each to
// a stable response code without inspecting error strings.
type Kind string

const (
	// KindAdmission covers refusals decided before any cluster object
	// exists: duplicate workload, container limit, no valid subscription.
	KindAdmission Kind = "admission"
	// KindPrecondition covers configuration the caller must fix before
	// retrying: no enabled repo, missing base image.
	KindPrecondition Kind = "precondition"
	// KindNotFound covers lookups of rows that do not exist.
	KindNotFound Kind = "not_found"
	// KindCluster covers Kubernetes API failures after admission. The row
	// was rolled back when this kind is returned from a start.
	KindCluster Kind = "cluster"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error wraps an orchestration failure with its classification and the
// stage it happened in.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s/%s)", e.Err.Error(), e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Classify maps the typed errors of the lower layers onto a Kind.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, store.ErrContainerLimit),
		errors.Is(err, metering.ErrNoSubscription),
		errors.Is(err, metering.ErrSubscriptionExpired),
		errors.Is(err, metering.ErrSubscriptionExceeded):
		return KindAdmission
	case errors.Is(err, store.ErrNoRepo):
		return KindPrecondition
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}
