// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package cli implements the fedadmin command tree over the admin HTTP
// API.
package cli

import (
	"github.com/spf13/cobra"
)

// App bundles the command tree with its connection settings.
type App struct {
	root   *cobra.Command
	client *apiClient
}

// New builds the fedadmin command tree.
func New() *App {
	app := &App{client: &apiClient{}}

	root := &cobra.Command{
		Use:           "fedadmin",
		Short:         "Administer jobs on a federation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&app.client.baseURL, "server", "http://localhost:8003", "base URL of the admin HTTP API")
	root.PersistentFlags().StringVar(&app.client.user, "user", "", "submitter identity (required)")
	root.PersistentFlags().StringVar(&app.client.org, "org", "", "submitter organization")
	_ = root.MarkPersistentFlagRequired("user")

	root.AddCommand(
		app.submitJobCmd(),
		app.listJobsCmd(),
		app.abortJobCmd(),
		app.abortTaskCmd(),
		app.deleteJobCmd(),
		app.cloneJobCmd(),
		app.downloadJobCmd(),
	)
	app.root = root
	return app
}

// Execute runs the command tree.
func (a *App) Execute() error {
	return a.root.Execute()
}
