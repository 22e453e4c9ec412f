// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// DefaultPageSize is used when a caller passes a non-positive page size.
const DefaultPageSize = 20

// PageBounds turns a 1-based page and a page size into offset and limit.
// page < 1 becomes 1; size <= 0 becomes DefaultPageSize; size is capped at
// maxSize when maxSize > 0.
func PageBounds(page, size, maxSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return (page - 1) * size, size
}
