package config

import (
	"admissionctl/internal/domain"
	"admissionctl/internal/upstream"
)

// ToUpstreamConfig converts the parsed directives for one pool into the
// admission core's Config type.
func (u UpstreamConfig) ToUpstreamConfig() upstream.Config {
	return upstream.Config{
		MaxConnections: u.MaxConnections,
		QueueTimeout:   u.QueueTimeout,
		MaxQueueLength: u.MaxQueueLength,
		MaxRetries:     u.MaxRetries,
	}
}

// ToSpecs converts the configured backend list into domain.BackendSpec
// values suitable for upstream.NewGroup.
func (u UpstreamConfig) ToSpecs() []domain.BackendSpec {
	specs := make([]domain.BackendSpec, 0, len(u.Backends))
	for _, b := range u.Backends {
		specs = append(specs, domain.BackendSpec{
			Name:                 b.Name,
			Address:              b.Address,
			Weight:               b.Weight,
			MaxFails:             b.MaxFails,
			FailTimeout:          b.FailTimeout,
			AdministrativelyDown: b.Down,
		})
	}
	return specs
}

