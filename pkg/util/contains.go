package utils

import "strings"

// Contains reports whether value matches any entry, ignoring case. An entry of "*" matches
// everything.
func Contains(value string, entries []string) bool {
	for _, entry := range entries {
		if entry == "*" || strings.EqualFold(entry, value) {
			return true
		}
	}
	return false
}
