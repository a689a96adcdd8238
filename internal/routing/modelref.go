package routing

import "strings"

// Model references have two interchangeable spellings:
//
//	canonical: provider:model   (stored, routed)
//	wire:      provider/model   (legacy request/response form)
//
// Both convert losslessly in either direction. A bare model name without a
// separator is returned unchanged by both conversions.

// ToCanonical converts a wire-form reference (provider/model) to canonical
// form (provider:model). Canonical input is returned as is.
func ToCanonical(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, ":") {
		return ref
	}
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i] + ":" + ref[i+1:]
	}
	return ref
}

// ToWire converts a canonical reference (provider:model) to wire form
// (provider/model). Wire input is returned as is.
func ToWire(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "/") && !strings.Contains(ref, ":") {
		return ref
	}
	if i := strings.Index(ref, ":"); i > 0 {
		return ref[:i] + "/" + ref[i+1:]
	}
	return ref
}

// IsValidRef reports whether the reference carries both a provider and a
// model name in either spelling.
func IsValidRef(ref string) bool {
	sep := strings.IndexAny(ref, ":/")
	return sep > 0 && sep < len(ref)-1
}
