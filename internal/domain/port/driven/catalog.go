package driven

import (
	"context"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// PluginCatalog resolves plugin manifests by name. Get returns
// model.ErrNotFound for unknown plugins.
type PluginCatalog interface {
	Get(ctx context.Context, name string) (*model.Manifest, error)
	List(ctx context.Context) ([]model.Manifest, error)
}
