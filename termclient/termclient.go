// Package termclient implements the Direct Terminology Client (spec.md
// §4.4): the component that actually talks to a terminology server's
// $validate-code operation, after consulting the bundled core code
// tables and the known-external-system graceful-degradation rule.
package termclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/coretables"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultHealthTimeout = 5 * time.Second
	healthyThreshold     = 2 * time.Second
	maxConcurrentBatch   = 8

	// CodeExternalUnvalidatable is returned when system is known to be
	// outside what any terminology server can check, so downstream
	// consumers get a pass rather than a block.
	CodeExternalUnvalidatable = "external-system-unvalidatable"
	CodeTimeout               = "TIMEOUT"
	CodeNetworkError          = "NETWORK_ERROR"
)

// externalSystemPrefixes lists systems that core tables or well-known
// external registries own, and that no FHIR terminology server's
// $validate-code operation can be expected to answer for.
var externalSystemPrefixes = []string{
	"urn:ietf:bcp:47",           // language tags
	"urn:ietf:bcp:13",           // MIME types
	"http://unitsofmeasure.org", // UCUM
	"urn:iso:std:iso:3166",      // ISO country codes
	"urn:ietf:rfc:3986",         // URI
	"urn:ietf:rfc:4122",         // UUID
}

func isExternalSystem(system string) bool {
	for _, prefix := range externalSystemPrefixes {
		if strings.HasPrefix(system, prefix) {
			return true
		}
	}
	return false
}

// Params carries one code-validation request.
type Params struct {
	System   string
	Code     string
	Display  string
	ValueSet string
	Context  map[string]string
}

// Response is the outcome of validating one code.
type Response struct {
	Valid        bool
	Code         string
	Display      string
	Message      string
	ResponseTime time.Duration
}

// HealthStatus classifies a terminology server's responsiveness.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Client issues $validate-code and /metadata requests against
// terminology servers.
type Client struct {
	httpClient    *http.Client
	healthTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the request timeout for $validate-code calls.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithHealthTimeout sets the shorter timeout used by CheckHealth.
func WithHealthTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.healthTimeout = d }
}

// New builds a Client with the given options applied over sane
// defaults.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: defaultTimeout},
		healthTimeout: defaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateCode validates one code against serverURL, after the core
// table and external-system shortcuts.
func (c *Client) ValidateCode(ctx context.Context, params Params, serverURL string) (*Response, error) {
	if valid, known := coretables.Contains(params.System, params.Code); known {
		display, _ := coretables.Lookup(params.System, params.Code)
		resp := &Response{Valid: valid, Display: display}
		if !valid {
			resp.Message = fmt.Sprintf("code %q is not in code system %s", params.Code, params.System)
		}
		return resp, nil
	}
	if isExternalSystem(params.System) {
		return &Response{Valid: true, Code: CodeExternalUnvalidatable}, nil
	}

	start := time.Now()
	resp, err := c.callValidateCode(ctx, params, serverURL)
	elapsed := time.Since(start)

	if err != nil {
		classified := classifyError(err, params.System)
		classified.ResponseTime = elapsed
		return classified, nil
	}
	resp.ResponseTime = elapsed
	return resp, nil
}

func (c *Client) callValidateCode(ctx context.Context, params Params, serverURL string) (*Response, error) {
	base := strings.TrimRight(serverURL, "/")
	var endpoint string
	if params.ValueSet != "" {
		endpoint = base + "/ValueSet/$validate-code"
	} else {
		endpoint = base + "/CodeSystem/$validate-code"
	}

	q := url.Values{}
	q.Set("system", params.System)
	q.Set("code", params.Code)
	if params.Display != "" {
		q.Set("display", params.Display)
	}
	if params.ValueSet != "" {
		q.Set("url", params.ValueSet)
	}
	for k, v := range params.Context {
		q.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("termclient: build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnprocessableEntity && looksExternal(params.System) {
		return &Response{Valid: true, Code: CodeExternalUnvalidatable}, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: httpResp.StatusCode}
	}

	var parameters fhirParameters
	if err := json.NewDecoder(httpResp.Body).Decode(&parameters); err != nil {
		return nil, fmt.Errorf("termclient: decode Parameters: %w", err)
	}
	return parameters.toResponse(), nil
}

// looksExternal is a softer heuristic than isExternalSystem, used only
// to decide whether a 422 should degrade gracefully: any system URI
// that isn't a plain http(s) FHIR terminology system is treated as
// something the server was never going to be authoritative for.
func looksExternal(system string) bool {
	if isExternalSystem(system) {
		return true
	}
	return strings.HasPrefix(system, "urn:")
}

// ValidateCodeBatch validates every item in params, fanning out with
// bounded parallelism, and returns responses in the same order as the
// input.
func (c *Client) ValidateCodeBatch(ctx context.Context, items []Params, serverURL string) ([]*Response, error) {
	responses := make([]*Response, len(items))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentBatch)

	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			resp, err := c.ValidateCode(gctx, item, serverURL)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// CheckHealth issues a /metadata GET against url with a short timeout
// and classifies the server's responsiveness.
func (c *Client) CheckHealth(ctx context.Context, serverURL string, version fv.FHIRVersion) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/metadata", http.NoBody)
	if err != nil {
		return HealthUnhealthy
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return HealthUnhealthy
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthUnhealthy
	}
	if elapsed >= healthyThreshold {
		return HealthDegraded
	}
	return HealthHealthy
}

func classifyError(err error, system string) *Response {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Response{Valid: false, Code: CodeTimeout}
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return &Response{Valid: false, Code: CodeNetworkError}
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.status == http.StatusUnprocessableEntity && looksExternal(system) {
			return &Response{Valid: true, Code: CodeExternalUnvalidatable}
		}
		return &Response{Valid: false, Code: fmt.Sprintf("HTTP_%d", statusErr.status)}
	}
	return &Response{Valid: false, Code: CodeNetworkError}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("terminology server returned HTTP %d", e.status)
}

// fhirParameters is the subset of a FHIR Parameters resource this
// client reads from a $validate-code response.
type fhirParameters struct {
	Parameter []struct {
		Name         string `json:"name"`
		ValueBoolean *bool  `json:"valueBoolean,omitempty"`
		ValueString  string `json:"valueString,omitempty"`
	} `json:"parameter"`
}

func (p fhirParameters) toResponse() *Response {
	resp := &Response{}
	for _, param := range p.Parameter {
		switch param.Name {
		case "result":
			if param.ValueBoolean != nil {
				resp.Valid = *param.ValueBoolean
			}
		case "display":
			resp.Display = param.ValueString
		case "message":
			resp.Message = param.ValueString
		}
	}
	return resp
}
