// Package fhirclient is a minimal FHIR server REST client covering the
// four operations the Bulk Orchestrator needs: fetching the server's
// CapabilityStatement, counting a resource type, paging through a search,
// and reading a single resource. It is deliberately narrow — it is not a general-purpose FHIR
// client, since validation itself never needs to fetch resources (the
// teacher's engine validates already-in-hand resources).
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds every request made by Client.
const DefaultTimeout = 30 * time.Second

// Client is a FHIR server REST client.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// New creates a Client against baseURL (e.g. "https://hapi.fhir.org/baseR4").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResourceTypeSummary is one entry from a CapabilityStatement.rest[].resource[].
type ResourceTypeSummary struct {
	Type         string
	Interactions []string
	SearchParams []string
}

// CapabilityStatement returns the resource types the server's CapabilityStatement
// declares support for.
func (c *Client) CapabilityStatement(ctx context.Context) ([]ResourceTypeSummary, error) {
	var doc struct {
		Rest []struct {
			Resource []struct {
				Type        string `json:"type"`
				Interaction []struct {
					Code string `json:"code"`
				} `json:"interaction"`
				SearchParam []struct {
					Name string `json:"name"`
				} `json:"searchParam"`
			} `json:"resource"`
		} `json:"rest"`
	}

	if err := c.get(ctx, c.baseURL+"/metadata", &doc); err != nil {
		return nil, fmt.Errorf("fhirclient: capability statement: %w", err)
	}

	var summaries []ResourceTypeSummary
	for _, rest := range doc.Rest {
		for _, res := range rest.Resource {
			summary := ResourceTypeSummary{Type: res.Type}
			for _, interaction := range res.Interaction {
				summary.Interactions = append(summary.Interactions, interaction.Code)
			}
			for _, param := range res.SearchParam {
				summary.SearchParams = append(summary.SearchParams, param.Name)
			}
			summaries = append(summaries, summary)
		}
	}

	return summaries, nil
}

// Bundle is the subset of a FHIR searchset Bundle the orchestrator needs.
type Bundle struct {
	Total int
	Entry []BundleEntry
}

// BundleEntry holds one search result's raw resource JSON.
type BundleEntry struct {
	Resource json.RawMessage
}

// Count returns the total number of resources of resourceType, via
// _summary=count so the server need not materialize any entries.
func (c *Client) Count(ctx context.Context, resourceType string) (int, error) {
	u := fmt.Sprintf("%s/%s?_summary=count", c.baseURL, resourceType)

	var doc struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, u, &doc); err != nil {
		return 0, fmt.Errorf("fhirclient: count %s: %w", resourceType, err)
	}
	return doc.Total, nil
}

// Search pages through resourceType starting at offset, returning up to
// count entries per page along with the server-reported total.
func (c *Client) Search(ctx context.Context, resourceType string, offset, count int) (*Bundle, error) {
	u := fmt.Sprintf("%s/%s?_count=%d&_offset=%d&_total=accurate",
		c.baseURL, resourceType, count, offset)

	var doc struct {
		Total int `json:"total"`
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := c.get(ctx, u, &doc); err != nil {
		return nil, fmt.Errorf("fhirclient: search %s: %w", resourceType, err)
	}

	bundle := &Bundle{Total: doc.Total}
	for _, entry := range doc.Entry {
		bundle.Entry = append(bundle.Entry, BundleEntry{Resource: entry.Resource})
	}
	return bundle, nil
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, url.PathEscape(id))

	var raw json.RawMessage
	if err := c.get(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("fhirclient: read %s/%s: %w", resourceType, id, err)
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s for %s", resp.Status, rawURL)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// skipPolicy decides whether a resource type should be walked at all,
// given its server-reported total and a configurable ceiling.
func skipPolicy(total, maxTypeResourceCount int) bool {
	if maxTypeResourceCount <= 0 {
		return false
	}
	return total > maxTypeResourceCount
}

// ShouldSkipType reports whether a resource type with the given total
// count exceeds maxTypeResourceCount and should be skipped (spec.md
// §4.10 step 2's configurable ceiling, e.g. 50,000).
func ShouldSkipType(total, maxTypeResourceCount int) bool {
	return skipPolicy(total, maxTypeResourceCount)
}
