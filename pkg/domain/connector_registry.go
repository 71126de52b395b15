package domain

// ConnectorRegistry is the static connector lookup, populated once at startup
// with an injected list. Dispatch on an unregistered platform is a fatal,
// non-retryable UnknownPlatformError.
type ConnectorRegistry struct {
	connectors map[PlatformType]Connector
}

func NewConnectorRegistry(connectors ...Connector) *ConnectorRegistry {
	byType := make(map[PlatformType]Connector, len(connectors))

	for _, c := range connectors {
		byType[c.Type()] = c
	}

	return &ConnectorRegistry{connectors: byType}
}

func (r *ConnectorRegistry) Get(platform PlatformType) (Connector, error) {
	c, ok := r.connectors[platform]
	if !ok {
		return nil, UnknownPlatformError{Platform: platform}
	}

	return c, nil
}

func (r *ConnectorRegistry) All() []Connector {
	all := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		all = append(all, c)
	}

	return all
}
