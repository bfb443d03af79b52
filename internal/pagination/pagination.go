// Package pagination extracts the MaxListCount and ListStartOffset
// application parameters of a listing request and applies them to a
// listing. A MaxListCount of zero asks for the listing size only.
package pagination

import (
	"github.io/infrasutra/btmap/internal/appparams"
	"github.io/infrasutra/btmap/internal/listing"
)

// Params represents the pagination parameters of one listing request.
type Params struct {
	MaxListCount int  // Number of rows the peer accepts
	StartOffset  int  // Index of the first row to return
	SizeOnly     bool // MaxListCount was zero: report the size, no rows
}

const (
	// MaxLimit is the largest MaxListCount a 16 bit parameter can carry
	MaxLimit = 0xFFFF
	// DefaultLimit is used when the peer sends no MaxListCount
	DefaultLimit = 1024
)

// PaginationOption is a function type for configuring pagination parameters.
// It follows the functional options pattern for flexible configuration.
type PaginationOption func(*Params)

// WithDefaultLimit returns a PaginationOption that sets the default
// MaxListCount. The limit is only applied if it's greater than 0.
func WithDefaultLimit(limit int) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.MaxListCount = min(limit, MaxLimit)
		}
	}
}

// GetPaginationParams extracts pagination parameters from the application
// parameters of a request. Absent parameters take the defaults.
func GetPaginationParams(ap *appparams.Params, opts ...PaginationOption) *Params {
	params := &Params{MaxListCount: DefaultLimit}
	for _, opt := range opts {
		opt(params)
	}

	if v, ok := ap.Uint(appparams.MaxListCount); ok {
		params.MaxListCount = int(v)
		params.SizeOnly = v == 0
	}
	if v, ok := ap.Uint(appparams.StartOffset); ok {
		params.StartOffset = int(v)
	}

	// enforce max limit
	if params.MaxListCount > MaxLimit {
		params.MaxListCount = MaxLimit
	}
	return params
}

// Window returns the rows of list selected by p.
func Window[T any](list []T, p *Params) []T {
	if p.SizeOnly {
		return list[:0]
	}
	return listing.Segment(list, p.MaxListCount, p.StartOffset)
}

// GetHasNext determines if there are more rows after the current window.
func GetHasNext(offset, limit, count int) bool {
	return (offset + limit) < count
}
