package tenant

import (
	"net/url"
	"strings"
)

// OriginResolver maps request hosts (tenant domains) to tenant IDs.
type OriginResolver struct {
	hosts map[string]string
}

// NewOriginResolver builds a resolver from host -> tenant pairs.
func NewOriginResolver(hosts map[string]string) *OriginResolver {
	normalized := make(map[string]string, len(hosts))
	for host, tenantID := range hosts {
		host = normalizeHost(host)
		tenantID = strings.TrimSpace(tenantID)
		if host == "" || tenantID == "" {
			continue
		}
		normalized[host] = tenantID
	}
	return &OriginResolver{hosts: normalized}
}

// Resolve returns the tenant for an Origin header value or a bare host.
func (r *OriginResolver) Resolve(origin string) string {
	if r == nil {
		return ""
	}
	return r.hosts[normalizeHost(origin)]
}

func normalizeHost(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			raw = u.Host
		}
	}
	if host, _, ok := strings.Cut(raw, ":"); ok {
		raw = host
	}
	return strings.TrimSuffix(raw, ".")
}
