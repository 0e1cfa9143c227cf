// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they become
// part of a storage key or a log line.
//
// Group, node, element and user ids are joined with "/" into BadgerDB keys
// (matrix/<group>/<node>/<user>). An id containing the separator could read
// or overwrite another group's data, so every id crossing a trust boundary
// goes through ValidateID first.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds every identifier.
const MaxIDLength = 128

// idPattern allows letters, digits and . _ : @ - after an alphanumeric
// first character. Covers uuids, slugs and e-mail style subjects.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@\-]*$`)

// ValidateID validates an identifier of the given kind ("node", "user", ...).
//
// Valid ids:
//   - 1-128 characters
//   - Letters, digits, dots, underscores, colons, at signs and hyphens
//   - Start with a letter or digit
//
// Example:
//
//	if err := validation.ValidateID("node", nodeID); err != nil {
//	    return err
//	}
//	// Safe to use in a storage key
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s id is %d characters, max %d", kind, len(id), MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid %s id %q (letters, digits and . _ : @ - only)", kind, id)
	}
	return nil
}

// SanitizeID trims surrounding whitespace and validates the result.
func SanitizeID(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateID(kind, trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
