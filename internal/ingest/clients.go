package ingest

import (
	"log"
)

// clientFactory builds the client for one registry entry.
type clientFactory func(cfg SourceConfig, api *APIClient, m *Metrics) Client

var clientFactories = map[string]clientFactory{
	"grants_gov": func(cfg SourceConfig, api *APIClient, m *Metrics) Client {
		c := NewGrantsGovClient(cfg, api)
		c.OnFallback = func(err error) {
			m.observeFallback(cfg.Name)
		}
		return c
	},
	"ca_grants": func(cfg SourceConfig, api *APIClient, _ *Metrics) Client {
		return NewCaliforniaClient(cfg, api)
	},
	"usaspending": func(cfg SourceConfig, api *APIClient, _ *Metrics) Client {
		return NewUSASpendingClient(cfg, api)
	},
	"nsf_awards": func(cfg SourceConfig, api *APIClient, _ *Metrics) Client {
		return NewNSFClient(cfg, api)
	},
	"propublica_990": func(cfg SourceConfig, api *APIClient, _ *Metrics) Client {
		return NewProPublicaClient(cfg, api)
	},
	"sam_gov": func(cfg SourceConfig, api *APIClient, _ *Metrics) Client {
		return NewSAMGovClient(cfg, api)
	},
}

// NewClients constructs one client per registry entry that has an
// implementation. Entries without one are logged and left out, which makes
// them unknown to the orchestrator. m may be nil.
func NewClients(reg *Registry, m *Metrics) map[string]Client {
	clients := make(map[string]Client, len(reg.Sources))
	for _, cfg := range reg.Sources {
		factory, ok := clientFactories[cfg.Name]
		if !ok {
			log.Printf("[Ingest] No client implementation for registered source %q", cfg.Name)
			continue
		}
		clients[cfg.Name] = factory(cfg, NewAPIClient(cfg.Name, cfg.Fetch), m)
	}
	return clients
}
