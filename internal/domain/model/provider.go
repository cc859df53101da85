package model

import "strings"

var providerAliases = map[string]string{
	"gsuite":       "google",
	"gmail":        "google",
	"azure":        "microsoft",
	"azuread":      "microsoft",
	"office365":    "microsoft",
	"microsoft365": "microsoft",
}

// NormalizeProvider lowercases and trims a provider key and resolves known
// aliases, so "GSuite" and "google" name the same provider.
func NormalizeProvider(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	if canonical, ok := providerAliases[k]; ok {
		return canonical
	}
	return k
}
