// Package connectors collects the platform adapters shipped with the
// pipeline.
package connectors

import (
	"github.com/tributary-io/tributary/pkg/connectors/devto"
	"github.com/tributary-io/tributary/pkg/connectors/discord"
	"github.com/tributary-io/tributary/pkg/connectors/discourse"
	"github.com/tributary-io/tributary/pkg/connectors/github"
	"github.com/tributary-io/tributary/pkg/connectors/gitlab"
	"github.com/tributary-io/tributary/pkg/connectors/groupsio"
	"github.com/tributary-io/tributary/pkg/connectors/jira"
	"github.com/tributary-io/tributary/pkg/connectors/slack"
	"github.com/tributary-io/tributary/pkg/domain"
)

// Default returns every built-in connector, ready for registry wiring.
func Default() []domain.Connector {
	return []domain.Connector{
		devto.NewConnector(),
		discord.NewConnector(),
		discourse.NewConnector(),
		github.NewConnector(),
		gitlab.NewConnector(),
		groupsio.NewConnector(),
		jira.NewConnector(),
		slack.NewConnector(),
	}
}
