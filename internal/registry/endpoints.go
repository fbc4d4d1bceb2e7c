package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	// Default collaborator endpoints.
	AggregatorBaseURL = "https://bridge.api.cx.metamask.io"
	PriceAPIBaseURL   = "https://price.api.cx.metamask.io"
	LiFiBaseURL       = "https://li.quest/v1"
)

// Service names accepted by DefaultEndpoint and IsAllowedEndpoint.
const (
	ServiceAggregator = "aggregator"
	ServicePrices     = "prices"
	ServiceLiFi       = "lifi"
)

func DefaultEndpoint(service string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(service)) {
	case ServiceAggregator:
		return AggregatorBaseURL, true
	case ServicePrices:
		return PriceAPIBaseURL, true
	case ServiceLiFi:
		return LiFiBaseURL, true
	default:
		return "", false
	}
}

// IsAllowedEndpoint reports whether endpoint may replace the default for
// service. Overrides must be https unless they point at a loopback host.
func IsAllowedEndpoint(service, endpoint string) bool {
	if strings.TrimSpace(endpoint) == "" {
		return true
	}
	if _, ok := DefaultEndpoint(service); !ok {
		return false
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if isLoopbackHost(parsed.Hostname()) {
		return scheme == "http" || scheme == "https"
	}
	return scheme == "https"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
