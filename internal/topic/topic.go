// Package topic resolves event domains to broker topics and names dead-letter topics.
package topic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DeadLetterSuffix is appended to a topic to name its dead-letter sibling.
const DeadLetterSuffix = ".DLT"

// DeadLetter returns the dead-letter topic of topic.
func DeadLetter(topic string) string {
	if IsDeadLetter(topic) {
		return topic
	}

	return topic + DeadLetterSuffix
}

// IsDeadLetter reports whether topic is a dead-letter topic.
func IsDeadLetter(topic string) bool {
	return strings.HasSuffix(topic, DeadLetterSuffix)
}

// ErrUnknownDomain matches every *UnknownDomainError.
var ErrUnknownDomain = errors.New("unknown event domain")

// UnknownDomainError is returned when a domain has no topic.
type UnknownDomainError struct {
	Domain string
	Known  []string
}

func (e *UnknownDomainError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown event domain %q", e.Domain)
	}

	return fmt.Sprintf("unknown event domain %q (known: %s)", e.Domain, strings.Join(e.Known, ", "))
}

// Is makes errors.Is(err, ErrUnknownDomain) hold.
func (e *UnknownDomainError) Is(target error) bool {
	return target == ErrUnknownDomain
}

// Table is a fixed domain to topic mapping, validated when built.
type Table struct {
	byDomain map[string]string
}

// NewTable validates and copies mapping.
func NewTable(mapping map[string]string) (*Table, error) {
	if len(mapping) == 0 {
		return nil, errors.New("topic table is empty")
	}

	byDomain := make(map[string]string, len(mapping))
	owner := make(map[string]string, len(mapping))
	for domain, name := range mapping {
		if domain == "" || name == "" {
			return nil, fmt.Errorf("topic table: empty domain or topic (%q -> %q)", domain, name)
		}
		if IsDeadLetter(name) {
			return nil, fmt.Errorf("topic table: %q maps to dead-letter topic %q", domain, name)
		}
		if prev, ok := owner[name]; ok {
			return nil, fmt.Errorf("topic table: %q and %q both map to %q", prev, domain, name)
		}
		folded := strings.ToLower(domain)
		if _, ok := byDomain[folded]; ok {
			return nil, fmt.Errorf("topic table: domain %q is defined twice ignoring case", domain)
		}
		owner[name] = domain
		byDomain[folded] = name
	}

	return &Table{byDomain: byDomain}, nil
}

// Resolve returns the topic of domain, case-insensitively.
func (t *Table) Resolve(domain string) (string, error) {
	name, ok := t.byDomain[strings.ToLower(domain)]
	if !ok {
		return "", &UnknownDomainError{Domain: domain, Known: t.Domains()}
	}

	return name, nil
}

// Topics lists every topic, sorted.
func (t *Table) Topics() []string {
	out := make([]string, 0, len(t.byDomain))
	for _, name := range t.byDomain {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}

// DeadLetterTopics lists the dead-letter sibling of every topic, sorted.
func (t *Table) DeadLetterTopics() []string {
	topics := t.Topics()
	for i, name := range topics {
		topics[i] = DeadLetter(name)
	}

	return topics
}

// Domains lists the known domains, sorted.
func (t *Table) Domains() []string {
	out := make([]string, 0, len(t.byDomain))
	for domain := range t.byDomain {
		out = append(out, domain)
	}
	sort.Strings(out)

	return out
}
