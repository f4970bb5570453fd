// Package termrouter implements the Terminology Server Router (spec.md
// §4.3): given a FHIR version and the active settings, it returns an
// ordered list of terminology endpoints to try, skipping servers whose
// circuit is open and falling back to a built-in default when no
// configured server remains.
package termrouter

import (
	"sort"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/settings"
)

// defaultEndpoints is the built-in fallback used when no configured,
// closed-circuit server advertises the requested version.
var defaultEndpoints = map[fv.FHIRVersion]string{
	fv.R4:  "https://tx.fhir.org/r4",
	fv.R4B: "https://tx.fhir.org/r4b",
	fv.R5:  "https://tx.fhir.org/r5",
}

// Endpoint is one resolved, version-suffixed terminology server to try,
// in the priority order the caller should attempt them.
type Endpoint struct {
	ServerID string
	Name     string
	URL      string
}

// Router selects and ranks terminology endpoints, and tracks a circuit
// breaker per server so a flapping terminology server is skipped for a
// cooldown period rather than retried on every request.
type Router struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds an empty Router. Breakers are created lazily per server ID
// on first use.
func New() *Router {
	return &Router{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Router) breakerFor(serverID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[serverID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: serverID,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	r.breakers[serverID] = b
	return b
}

// circuitOpen reports whether this router's own breaker for serverID is
// currently open, independent of the settings-level CircuitOpen flag an
// operator may have set manually.
func (r *Router) circuitOpen(serverID string) bool {
	return r.breakerFor(serverID).State() == gobreaker.StateOpen
}

// ReportSuccess and ReportFailure feed outcomes back into a server's
// breaker so later Select calls reflect observed health.
func (r *Router) ReportSuccess(serverID string) {
	r.breakerFor(serverID).Execute(func() (any, error) { return nil, nil })
}

func (r *Router) ReportFailure(serverID string) {
	r.breakerFor(serverID).Execute(func() (any, error) { return nil, errFailed })
}

var errFailed = &failureError{}

type failureError struct{}

func (*failureError) Error() string { return "reported failure" }

// Select returns the ordered list of endpoints to try for version,
// given the servers configured in active. Enabled servers advertising
// version with a closed circuit come first, in declared priority order;
// if none remain, the built-in default for version is appended.
func (r *Router) Select(version fv.FHIRVersion, active *settings.Settings) []Endpoint {
	var candidates []settings.TerminologyServer
	if active != nil {
		candidates = active.TerminologyServers
	}

	eligible := make([]settings.TerminologyServer, 0, len(candidates))
	for _, server := range candidates {
		if !server.Enabled || server.CircuitOpen {
			continue
		}
		if !supportsVersion(server, version) {
			continue
		}
		if r.circuitOpen(server.ID) {
			continue
		}
		eligible = append(eligible, server)
	}

	sortByPriority(eligible)

	out := make([]Endpoint, 0, len(eligible)+1)
	for _, server := range eligible {
		out = append(out, Endpoint{
			ServerID: server.ID,
			Name:     server.Name,
			URL:      versionedURL(server.URL, version),
		})
	}

	if len(out) == 0 {
		if fallback, ok := defaultEndpoints[version]; ok {
			out = append(out, Endpoint{ServerID: "default", Name: "default", URL: fallback})
		}
	}
	return out
}

func supportsVersion(server settings.TerminologyServer, version fv.FHIRVersion) bool {
	for _, v := range server.FHIRVersions {
		if v == version {
			return true
		}
	}
	return false
}

func sortByPriority(servers []settings.TerminologyServer) {
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Priority < servers[j].Priority })
}

// versionedURL appends the version's URL suffix (/r4, /r4b, /r5) unless
// base already ends with it.
func versionedURL(base string, version fv.FHIRVersion) string {
	suffix := "/" + strings.ToLower(string(version))
	if strings.HasSuffix(strings.ToLower(base), suffix) {
		return base
	}
	return strings.TrimRight(base, "/") + suffix
}
