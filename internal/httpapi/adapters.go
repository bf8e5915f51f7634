package httpapi

import (
	"context"

	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/pkg/builder"
)

func builderFor(kind string) (builder.Builder, error) {
	if kind == "" {
		kind = "generic"
	}
	return builder.Get(kind)
}

func toBuilderQueueItem(item model.QueueItem) builder.QueueItem {
	return builder.QueueItem{
		Package: item.Package,
		Suite:   item.Suite,
		Subpath: item.Subpath,
	}
}

// buildDepsAdapter satisfies builder.BuildDeps over the HTTP surface's
// narrower Store interface.
type buildDepsAdapter struct {
	store Store
}

func (a buildDepsAdapter) LastBuildVersion(ctx context.Context, source, distribution string) (string, error) {
	return a.store.LastBuildVersion(ctx, source, distribution)
}
