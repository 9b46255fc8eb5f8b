// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/streamflow/transport/aws"
	_ "github.com/drblury/streamflow/transport/channel"
	_ "github.com/drblury/streamflow/transport/jetstream"
	_ "github.com/drblury/streamflow/transport/kafka"
	_ "github.com/drblury/streamflow/transport/nats"
	_ "github.com/drblury/streamflow/transport/rabbitmq"
	_ "github.com/drblury/streamflow/transport/redis"
)
