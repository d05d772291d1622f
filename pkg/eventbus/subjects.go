package eventbus

import "strings"

// DefaultSubjectPrefix prefixes every subject unless configured otherwise.
const DefaultSubjectPrefix = "fulfilment.v1"

// Subject returns the subject of an event type, e.g.
// "fulfilment.v1.saga.step.failed".
func Subject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if eventType == "" {
		eventType = "unknown"
	}
	return strings.TrimSuffix(prefix, ".") + "." + eventType
}

// WildcardSubject matches every subject under prefix.
func WildcardSubject(prefix string) string {
	return Subject(prefix, ">")
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		return strings.HasPrefix(subject, prefix+".")
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] != "*" && patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}

// redisPattern converts a subject pattern to a Redis PSUBSCRIBE glob.
func redisPattern(pattern string) string {
	if strings.HasSuffix(pattern, ".>") {
		return strings.TrimSuffix(pattern, ">") + "*"
	}
	return pattern
}
