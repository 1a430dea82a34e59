// Package jobspec mirrors the job specification accepted by the scheduler. The gateway relays
// job specs unmodified, the types here only describe them for form builders and clients.
package jobspec

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// JobSpec describes a replica exchange sampling job
type JobSpec struct {
	Name                      string                    `json:"name" jsonschema:"required,description=job name shown in the dashboard"`
	InitialNumberOfReplicas   int                       `json:"initial_number_of_replicas,omitempty" jsonschema:"minimum=2,default=5"`
	MaxReplicas               int                       `json:"max_replicas,omitempty" jsonschema:"minimum=2,default=20"`
	InitialScheduleParameters map[string]float64        `json:"initial_schedule_parameters,omitempty" jsonschema:"description=initial schedule, e.g. beta values"`
	OptimizationParameters    OptimizationParameters    `json:"optimization_parameters,omitempty"`
	ReplicaExchangeParameters ReplicaExchangeParameters `json:"replica_exchange_parameters,omitempty"`
	LocalSamplingParameters   map[string]any            `json:"local_sampling_parameters,omitempty" jsonschema:"description=parameters of the local sampler, e.g. stepsizes"`
	Dependencies              []Dependency              `json:"dependencies,omitempty"`
	ProbabilityDefinition     string                    `json:"probability_definition,omitempty" jsonschema:"description=name of the uploaded zip file with the probability definition"`
}

// OptimizationParameters controls the schedule optimization runs
type OptimizationParameters struct {
	OptimizationQuantityTarget float64 `json:"optimization_quantity_target,omitempty" jsonschema:"exclusiveMinimum=0,maximum=1,default=0.2"`
	Decrement                  float64 `json:"decrement,omitempty" jsonschema:"exclusiveMinimum=0,default=0.001"`
	MaxParam                   float64 `json:"max_param,omitempty" jsonschema:"default=1"`
	MinParam                   float64 `json:"min_param,omitempty" jsonschema:"default=0.01"`
	MaxOptimizationRuns        int     `json:"max_optimization_runs,omitempty" jsonschema:"minimum=1,default=5"`
	DOSBurninPercentage        float64 `json:"dos_burnin_percentage,omitempty" jsonschema:"minimum=0,maximum=1,default=0.1"`
	DOSThinningStep            int     `json:"dos_thinning_step,omitempty" jsonschema:"minimum=1,default=5"`
}

// ReplicaExchangeParameters controls sampling and swap intervals
type ReplicaExchangeParameters struct {
	NumProductionSamples     int `json:"num_production_samples,omitempty" jsonschema:"minimum=1,default=10000"`
	NumOptimizationSamples   int `json:"num_optimization_samples,omitempty" jsonschema:"minimum=1,default=5000"`
	DumpInterval             int `json:"dump_interval,omitempty" jsonschema:"minimum=1,default=1000"`
	DumpStep                 int `json:"dump_step,omitempty" jsonschema:"minimum=1,default=5"`
	SwapInterval             int `json:"swap_interval,omitempty" jsonschema:"minimum=1,default=5"`
	StatisticsUpdateInterval int `json:"statistics_update_interval,omitempty" jsonschema:"minimum=1,default=100"`
	StatusInterval           int `json:"status_interval,omitempty" jsonschema:"minimum=1,default=100"`
}

// Dependency is a set of packages installed into the sampling environment
type Dependency struct {
	Type string   `json:"type" jsonschema:"required,enum=pip"`
	Deps []string `json:"deps" jsonschema:"required"`
}

// Schema returns json schema of JobSpec
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&JobSpec{})
	s.Title = "Chainsail job specification"
	s.Description = "Job specification accepted by /api/job/create"
	return s
}

// SchemaJSON returns indented json schema of JobSpec
func SchemaJSON() ([]byte, error) {
	data, err := json.MarshalIndent(Schema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job spec schema: %w", err)
	}
	return data, nil
}
