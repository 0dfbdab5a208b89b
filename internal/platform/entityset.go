package platform

import "strings"

// EntitySetName returns the Web API collection name for a logical entity
// name. overrides wins when it has an entry; otherwise the platform's default
// English pluralization is applied.
func EntitySetName(logicalName string, overrides map[string]string) string {
	if set, ok := overrides[logicalName]; ok && set != "" {
		return set
	}
	n := len(logicalName)
	switch {
	case n == 0:
		return ""
	case strings.HasSuffix(logicalName, "s"),
		strings.HasSuffix(logicalName, "x"),
		strings.HasSuffix(logicalName, "z"),
		strings.HasSuffix(logicalName, "ch"),
		strings.HasSuffix(logicalName, "sh"):
		return logicalName + "es"
	case n >= 2 && logicalName[n-1] == 'y' && !isVowel(logicalName[n-2]):
		return logicalName[:n-1] + "ies"
	default:
		return logicalName + "s"
	}
}

func isVowel(b byte) bool {
	switch b {
	case 'a', 'e', 'i', 'o', 'u', 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}
