package aggregation

import (
	"github.com/aevon-lab/usage-engine/internal/core/organization"
)

// EngineKind identifies the aggregation engine serving a request.
type EngineKind int

const (
	EngineRowStore EngineKind = iota
	EngineColumnarRaw
	EngineColumnarEnriched
	EngineColumnarMaterialized
)

func (k EngineKind) String() string {
	switch k {
	case EngineRowStore:
		return "row_store"
	case EngineColumnarRaw:
		return "columnar_raw"
	case EngineColumnarEnriched:
		return "columnar_enriched"
	case EngineColumnarMaterialized:
		return "columnar_materialized"
	default:
		return "unknown"
	}
}

// SelectionInput carries everything engine selection depends on.
type SelectionInput struct {
	Backend         organization.Backend
	ColumnarEnabled bool // deployment-wide switch
	CurrentUsage    bool // the caller reads the in-progress period
	LiveAggregation bool // the organization maintains minute aggregates
}

// SelectEngine maps the input to an engine. It is total and has no side effects.
//
// The row store serves every request unless the deployment enables the columnar store
// and the organization is on a columnar backend. Within columnar, the raw backend keeps
// the legacy raw engine, live current-usage reads use the minute aggregates and the rest
// go to the enriched events.
func SelectEngine(in SelectionInput) EngineKind {
	if !in.ColumnarEnabled || !in.Backend.Columnar() {
		return EngineRowStore
	}
	if in.Backend == organization.BackendClickhouseRaw {
		return EngineColumnarRaw
	}
	if in.CurrentUsage && in.LiveAggregation {
		return EngineColumnarMaterialized
	}
	return EngineColumnarEnriched
}
