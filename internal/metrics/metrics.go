// Package metrics provides data model counters using stdlib expvar.
// Counters are exported on /debug/vars when the binary serves expvar.
package metrics

import "expvar"

// Operation counters.
var (
	ImportTotal       = expvar.NewInt("radcase_import_total")
	ImportRejected    = expvar.NewInt("radcase_import_rejected_total")
	SaveTotal         = expvar.NewInt("radcase_save_total")
	LoadTotal         = expvar.NewInt("radcase_load_total")
	CascadeRemoved    = expvar.NewInt("radcase_cascade_removed_total")
	CacheRegenerated  = expvar.NewInt("radcase_display_cache_generated_total")
	PipelineRunsTotal = expvar.NewInt("radcase_pipeline_runs_total")
)

// Inc increments the given counter by 1.
func Inc(counter *expvar.Int) { counter.Add(1) }

// Add increments the given counter by n.
func Add(counter *expvar.Int, n int) { counter.Add(int64(n)) }
