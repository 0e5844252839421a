package models

import (
	"errors"

	"github.com/HatiCode/vigil/pkg/features"
)

var (
	// ErrNotFitted is returned when a transform or prediction is requested
	// before the component has been fitted.
	ErrNotFitted = errors.New("model not fitted")

	// ErrSchemaMismatch is returned when the feature set presented at predict
	// or load time differs from the one seen at fit time.
	ErrSchemaMismatch = errors.New("feature schema mismatch")

	// ErrInsufficientData is returned when there are too few observations to
	// fit. It is the same sentinel the feature builder uses.
	ErrInsufficientData = features.ErrInsufficientData
)
