package settings

import fv "github.com/medvertical/fhir-validation-engine"

// Preset is a named, built-in starting point for a Settings value.
// applyPreset copies one of these into a new version rather than
// referencing it, so later edits to the preset table never mutate
// settings already created from it.
type Preset struct {
	ID          string
	Name        string
	Description string
	Build       func() Settings
}

func allAspectsEnabled(severity fv.IssueSeverity) map[fv.Aspect]AspectConfig {
	out := make(map[fv.Aspect]AspectConfig, len(fv.Aspects))
	for _, a := range fv.Aspects {
		out[a] = AspectConfig{Enabled: true, Severity: severity}
	}
	return out
}

// Presets lists the built-in presets available to applyPreset, in
// display order.
var Presets = []Preset{
	{
		ID:          "default",
		Name:        "Default",
		Description: "All six aspects enabled at their default severities.",
		Build: func() Settings {
			return Settings{
				Aspects: allAspectsEnabled(fv.SeverityError),
				Mode:    ModeOnline,
			}
		},
	},
	{
		ID:          "strict",
		Name:        "Strict",
		Description: "All aspects enabled; warnings escalated to errors.",
		Build: func() Settings {
			return Settings{
				Aspects:    allAspectsEnabled(fv.SeverityError),
				StrictMode: true,
				Mode:       ModeOnline,
			}
		},
	},
	{
		ID:          "structure-only",
		Name:        "Structure only",
		Description: "Only structural validation; no network calls.",
		Build: func() Settings {
			aspects := map[fv.Aspect]AspectConfig{
				fv.AspectStructural: {Enabled: true, Severity: fv.SeverityError},
			}
			for _, a := range fv.Aspects {
				if a == fv.AspectStructural {
					continue
				}
				aspects[a] = AspectConfig{Enabled: false}
			}
			return Settings{
				Aspects: aspects,
				Mode:    ModeOffline,
			}
		},
	},
	{
		ID:          "offline",
		Name:        "Offline",
		Description: "All aspects enabled except terminology, which needs a remote server.",
		Build: func() Settings {
			aspects := allAspectsEnabled(fv.SeverityError)
			aspects[fv.AspectTerminology] = AspectConfig{Enabled: false}
			return Settings{
				Aspects: aspects,
				Mode:    ModeOffline,
			}
		},
	},
}

func findPreset(id string) (Preset, bool) {
	for _, p := range Presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
