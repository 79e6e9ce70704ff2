// Package utils provides utility functions for the application.
package utils

import "regexp"

func ToPtr[T any](v T) *T {
	return &v
}

func IsTrue(b *bool) bool {
	return b != nil && *b
}

// Deref returns the pointed value or the zero value when p is nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

var recipientTokenPattern = regexp.MustCompile(`^tok_[A-Za-z0-9_-]{8,128}$`)

// IsRecipientToken reports whether s has the shape of an opaque recipient token
func IsRecipientToken(s string) bool {
	return recipientTokenPattern.MatchString(s)
}
