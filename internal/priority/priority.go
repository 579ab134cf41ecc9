// Package priority implements the admission quota that reserves most
// runner capacity for tasks whose callback belongs to the priority
// domain.
package priority

import (
	"errors"
	"net/url"
	"strings"

	"github.com/taskrelay/taskrelay/internal/task"
)

// ErrQuotaExceeded rejects a non-priority task when the reserved
// capacity would be exceeded.
var ErrQuotaExceeded = errors.New("priority quota exceeded")

// Gate is the stateless admission policy.
type Gate struct {
	Enabled         bool
	Domain          string
	MaxOtherPercent int
}

// HostOf extracts the lowercased hostname of a URL. Returns "" when
// the URL does not parse.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// MatchesDomain reports whether host equals domain or is a subdomain
// of it (case-insensitive).
func MatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// isPriority reports whether a notify URL belongs to the priority domain.
func (g *Gate) isPriority(notifyURL string) bool {
	return MatchesDomain(HostOf(notifyURL), g.Domain)
}

// Admit decides whether a request with the given notify URL may enter.
// capacity is the number of registered runners; tasks is the current
// task snapshot. Non-priority tasks are capped at
// floor(capacity * MaxOtherPercent / 100) concurrently running.
func (g *Gate) Admit(notifyURL string, capacity int, tasks map[string]*task.Task) error {
	if !g.Enabled {
		return nil
	}
	if g.isPriority(notifyURL) {
		return nil
	}

	maxOther := capacity * g.MaxOtherPercent / 100
	currentOther := 0
	for _, t := range tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		if !g.isPriority(t.NotifyURL) {
			currentOther++
		}
	}
	if currentOther >= maxOther {
		return ErrQuotaExceeded
	}
	return nil
}
