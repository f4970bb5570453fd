// Package termservice adapts the terminology subsystem (termcache,
// termrouter, termclient) to the teacher's service.TerminologyService
// interface, so the existing phase.TerminologyPhase and
// CodingValidationHelper can drive it unchanged.
package termservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/service"
	"github.com/medvertical/fhir-validation-engine/settings"
	"github.com/medvertical/fhir-validation-engine/termcache"
	"github.com/medvertical/fhir-validation-engine/termclient"
	"github.com/medvertical/fhir-validation-engine/termrouter"
)

// SettingsSource returns the currently active settings. The pipeline
// snapshots this once per run (spec.md §4.7 step 1); the adapter just
// calls whatever accessor it was given.
type SettingsSource func() *settings.Settings

// Adapter implements service.TerminologyService over the terminology
// subsystem.
type Adapter struct {
	cache      *termcache.Cache
	router     *termrouter.Router
	client     *termclient.Client
	activeFunc SettingsSource
	version    fv.FHIRVersion
	httpClient *http.Client
}

// New builds an Adapter. version is fixed for the adapter's lifetime,
// matching one validator instance per FHIR version in the teacher's
// engine.
func New(cache *termcache.Cache, router *termrouter.Router, client *termclient.Client, activeFunc SettingsSource, version fv.FHIRVersion) *Adapter {
	return &Adapter{
		cache:      cache,
		router:     router,
		client:     client,
		activeFunc: activeFunc,
		version:    version,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ValidateCode implements service.CodeValidator, consulting the cache
// before falling to the router-selected terminology server.
func (a *Adapter) ValidateCode(ctx context.Context, system, code, valueSetURL string) (*service.ValidateCodeResult, error) {
	offline := false
	var active *settings.Settings
	if a.activeFunc != nil {
		active = a.activeFunc()
		offline = active != nil && active.Mode == settings.ModeOffline
	}

	key := termcache.Key(system, code, valueSetURL, a.version)
	if cached, ok := a.cache.Get(key); ok {
		return toValidateCodeResult(system, code, cached), nil
	}

	endpoints := a.router.Select(a.version, active)
	endpoint := endpoints[0]

	resp, err := a.client.ValidateCode(ctx, termclient.Params{
		System:   system,
		Code:     code,
		ValueSet: valueSetURL,
	}, endpoint.URL)
	if err != nil {
		a.router.ReportFailure(endpoint.ServerID)
		return nil, fmt.Errorf("termservice: validate code: %w", err)
	}
	a.router.ReportSuccess(endpoint.ServerID)

	result := termcache.Result{Valid: resp.Valid, Display: resp.Display, Message: resp.Message}
	a.cache.Set(key, result, offline)

	return toValidateCodeResult(system, code, result), nil
}

func toValidateCodeResult(system, code string, r termcache.Result) *service.ValidateCodeResult {
	return &service.ValidateCodeResult{
		Valid:   r.Valid,
		Message: r.Message,
		Display: r.Display,
		Code:    code,
		System:  system,
	}
}

// expandResponse is the subset of a FHIR ValueSet resource's expansion
// this adapter reads from a $expand response.
type expandResponse struct {
	Expansion struct {
		Total    int `json:"total"`
		Offset   int `json:"offset"`
		Contains []struct {
			System   string `json:"system"`
			Code     string `json:"code"`
			Display  string `json:"display"`
			Abstract bool   `json:"abstract"`
			Inactive bool   `json:"inactive"`
		} `json:"contains"`
	} `json:"expansion"`
}

// ExpandValueSet implements service.ValueSetExpander against the
// router-selected server's ValueSet/$expand operation.
func (a *Adapter) ExpandValueSet(ctx context.Context, valueSetURL string) (*service.ValueSetExpansion, error) {
	var active *settings.Settings
	if a.activeFunc != nil {
		active = a.activeFunc()
	}
	endpoints := a.router.Select(a.version, active)
	endpoint := endpoints[0]

	query := url.Values{"url": []string{valueSetURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint.URL, "/")+"/ValueSet/$expand?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("termservice: build expand request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.router.ReportFailure(endpoint.ServerID)
		return nil, fmt.Errorf("termservice: expand value set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.router.ReportFailure(endpoint.ServerID)
		return nil, fmt.Errorf("termservice: expand value set: server returned HTTP %d", resp.StatusCode)
	}
	a.router.ReportSuccess(endpoint.ServerID)

	var parsed expandResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("termservice: decode expansion: %w", err)
	}

	expansion := &service.ValueSetExpansion{
		URL:    valueSetURL,
		Total:  parsed.Expansion.Total,
		Offset: parsed.Expansion.Offset,
	}
	for _, c := range parsed.Expansion.Contains {
		expansion.Contains = append(expansion.Contains, service.ValueSetContains{
			System:   c.System,
			Code:     c.Code,
			Display:  c.Display,
			Abstract: c.Abstract,
			Inactive: c.Inactive,
		})
	}
	return expansion, nil
}
