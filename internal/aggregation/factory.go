package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	coreagg "github.com/aevon-lab/usage-engine/internal/core/aggregation"
	"github.com/aevon-lab/usage-engine/internal/core/organization"
	"github.com/aevon-lab/usage-engine/internal/core/storage/clickhouse"
	"github.com/aevon-lab/usage-engine/internal/core/storage/postgres"
)

// Factory builds request-scoped aggregation engines over the shared connection pools.
type Factory struct {
	rowStore *postgres.Adapter
	columnar *clickhouse.Adapter
	orgs     organization.Repository
	periods  coreagg.PeriodCalculator
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithColumnar enables the ClickHouse engines. Without it every request is served by
// the row store regardless of organization settings.
func WithColumnar(adapter *clickhouse.Adapter) FactoryOption {
	return func(f *Factory) {
		f.columnar = adapter
	}
}

// WithPeriodCalculator overrides how billing-period lengths are computed.
func WithPeriodCalculator(periods coreagg.PeriodCalculator) FactoryOption {
	return func(f *Factory) {
		f.periods = periods
	}
}

func NewFactory(rowStore *postgres.Adapter, orgs organization.Repository, opts ...FactoryOption) *Factory {
	f := &Factory{
		rowStore: rowStore,
		orgs:     orgs,
		periods:  coreagg.ChargesDurationCalculator{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ColumnarEnabled reports whether the ClickHouse engines are available.
func (f *Factory) ColumnarEnabled() bool {
	return f.columnar != nil
}

// NewStore resolves the organization settings, selects an engine and binds it to the
// request. Selection is re-evaluated on every call so settings changes apply to the
// next request.
func (f *Factory) NewStore(
	ctx context.Context,
	orgID string,
	currentUsage bool,
	sub coreagg.Subscription,
	boundaries coreagg.Boundaries,
	code string,
	filters coreagg.Filters,
) (coreagg.Store, error) {
	settings, err := f.orgs.Get(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve organization settings: %w", err)
	}
	if sub.Organization.ID == "" {
		sub.Organization.ID = settings.ID
	}
	if sub.Organization.Timezone == "" {
		sub.Organization.Timezone = settings.Timezone
	}

	base, err := coreagg.NewBase(sub, boundaries, code, filters, f.periods)
	if err != nil {
		return nil, err
	}

	kind := SelectEngine(SelectionInput{
		Backend:         settings.AggregationBackend,
		ColumnarEnabled: f.ColumnarEnabled(),
		CurrentUsage:    currentUsage,
		LiveAggregation: settings.LiveAggregation,
	})
	slog.Debug("[Selector] Engine selected",
		"organization", settings.ID,
		"backend", settings.AggregationBackend,
		"current_usage", currentUsage,
		"engine", kind.String(),
	)

	switch kind {
	case EngineColumnarRaw:
		return clickhouse.NewRawStore(f.columnar, base), nil
	case EngineColumnarEnriched:
		return clickhouse.NewEnrichedStore(f.columnar, base), nil
	case EngineColumnarMaterialized:
		return clickhouse.NewMaterializedStore(f.columnar, base), nil
	default:
		return postgres.NewRowStore(f.rowStore, base), nil
	}
}
