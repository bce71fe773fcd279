// Package cmd defines the CLI commands for the ranker executable.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/koyorikoyote/datascraper-api-example/internal/app"
)

var cfgFile string

// appKeyType keys the App in the command context.
type appKeyType struct{}

var appKey appKeyType

// App is the surface commands use, kept as an interface so tests can
// inject a mock application.
type App interface {
	Close()
	Logger() *zap.Logger

	// RunConsumer blocks polling the queue until ctx is cancelled.
	RunConsumer(ctx context.Context) error

	// APIHandler returns the admin HTTP handler.
	APIHandler() http.Handler

	// ServerPort is the admin listen port.
	ServerPort() int
}

// appAdapter narrows *app.App to the command surface.
type appAdapter struct {
	app *app.App
}

func (a *appAdapter) Close()                              { a.app.Close() }
func (a *appAdapter) Logger() *zap.Logger                 { return a.app.Logger() }
func (a *appAdapter) RunConsumer(ctx context.Context) error { return a.app.Consumer().Run(ctx) }
func (a *appAdapter) APIHandler() http.Handler            { return a.app.Server().Handler() }
func (a *appAdapter) ServerPort() int                     { return a.app.Config().Server.Port }

// newApp is the application factory, a variable so tests can replace
// it.
var newApp = func(ctx context.Context) (App, error) {
	a, err := app.NewApp(ctx, cfgFile)
	if err != nil {
		return nil, err
	}
	return &appAdapter{app: a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranker",
		Short: "Keyword ranking worker and admin API",
		Long: `ranker consumes keyword jobs from the queue, runs the fetch and
rank pipelines against external search and classification services, and
exposes an admin API for job submission and message history.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches . and /etc/ranker)")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// resolveApp pulls the injected App out of the command context.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
