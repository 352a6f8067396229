package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/delta"
)

type InitMetaDeps struct {
	Log   *logger.Logger
	Graph delta.GraphOps
}

type InitMetaInput struct {
	Version string
}

// InitMeta stamps a freshly bulk-imported graph with its release version and
// creates the uniqueness constraints the delta phases rely on. Run it once
// after neo4j-admin import, before the first incremental sync.
func InitMeta(ctx context.Context, deps InitMetaDeps, in InitMetaInput) error {
	if deps.Log == nil || deps.Graph == nil {
		return fmt.Errorf("pipeline: missing deps")
	}
	if strings.TrimSpace(in.Version) == "" {
		return fmt.Errorf("pipeline: version required")
	}
	log := deps.Log.With("component", "InitMeta", "version", in.Version)

	strategy, err := delta.New(deps.Log, deps.Graph, delta.Options{Version: in.Version})
	if err != nil {
		return err
	}
	if err := strategy.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := strategy.WriteMeta(ctx); err != nil {
		return err
	}
	log.Info("graph metadata initialized")
	return nil
}
