package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/streamflow/internal/runtime/config"
	newtransport "github.com/drblury/streamflow/transport"
)

// Factory abstracts how a broker initialises its message transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the default transport registry.
// Transports register themselves from their package init, so the binary must
// import them (github.com/drblury/streamflow/transport/transports does that).
func DefaultFactory() Factory {
	return RegistryFactory(newtransport.DefaultRegistry)
}

// RegistryFactory builds transports from reg.
func RegistryFactory(reg *newtransport.Registry) Factory {
	return registryFactory{registry: reg}
}

type registryFactory struct {
	registry *newtransport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	return f.registry.Build(ctx, conf, logger)
}
