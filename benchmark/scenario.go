package benchmark

import "fmt"

// Resolution is the size of the camera frames fed to the classifier.
type Resolution struct {
	Width  int    `json:"width"  yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name"   yaml:"name"`
}

// CommonResolutions are typical phone camera preview sizes.
var CommonResolutions = []Resolution{
	{Width: 320, Height: 240, Name: "320x240"},
	{Width: 640, Height: 480, Name: "640x480"},
	{Width: 1280, Height: 720, Name: "1280x720"},
	{Width: 1920, Height: 1080, Name: "1920x1080"},
}

// Scenario defines a specific test configuration.
type Scenario struct {
	Name       string     `json:"name"        yaml:"name"`
	Resolution Resolution `json:"resolution"  yaml:"resolution"`
	// Iterations is the number of measured requests.
	Iterations int `json:"iterations"  yaml:"iterations"`
	// WarmupRuns are classified before measuring.
	WarmupRuns int `json:"warmup_runs" yaml:"warmup_runs"`
	// Burst is the number of requests submitted before waiting for them. Bursts larger than
	// the queue measure rejections.
	Burst int `json:"burst"       yaml:"burst"`
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Resolution: CommonResolutions[1],
			Iterations: 100,
			WarmupRuns: 10,
			Burst:      1,
		},
	}
}

// WithResolution sets the frame resolution
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// WithBurst sets the number of requests in flight at once
func (sb *ScenarioBuilder) WithBurst(burst int) *ScenarioBuilder {
	sb.scenario.Burst = burst
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// QuickScenarios returns a short smoke run at the default resolution.
func QuickScenarios() []Scenario {
	return []Scenario{
		NewScenarioBuilder("quick").WithIterations(20).WithWarmupRuns(2).Build(),
	}
}

// ResolutionScenarios compares every common resolution.
func ResolutionScenarios(iterations int) []Scenario {
	scenarios := make([]Scenario, 0, len(CommonResolutions))
	for _, r := range CommonResolutions {
		scenarios = append(scenarios, NewScenarioBuilder("resolution-"+r.Name).
			WithResolution(r.Width, r.Height).
			WithIterations(iterations).
			Build())
	}
	return scenarios
}

// BurstScenarios submits increasingly large bursts to observe queueing and rejection.
func BurstScenarios(iterations int, bursts ...int) []Scenario {
	scenarios := make([]Scenario, 0, len(bursts))
	for _, b := range bursts {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("burst-%d", b)).
			WithBurst(b).
			WithIterations(iterations).
			Build())
	}
	return scenarios
}
