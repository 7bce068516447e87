/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/broker"
	"github.com/blnkfinance/settle/internal/notification"
)

// Settle is the CLI application, wrapping the root Cobra command.
type Settle struct {
	cmd *cobra.Command
}

// settleInstance holds the runtime service and the configuration it was
// built from, shared by every subcommand.
type settleInstance struct {
	settle    *settle.Settle
	cnf       *config.Configuration
	publisher broker.Publisher
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the service before any command runs.
func preRun(app *settleInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		// The migrate and config commands only need the configuration.
		if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "migrate" {
			app.cnf = cnf
			return nil
		}

		publisher, err := setupPublisher(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		newSettle, err := setupSettle(cnf, publisher)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.settle = newSettle
		app.cnf = cnf
		app.publisher = publisher
		return nil
	}
}

// setupPublisher connects the domain event bus. Without a broker URL events
// are only delivered through webhooks.
func setupPublisher(cfg *config.Configuration) (broker.Publisher, error) {
	if cfg.Broker.URL == "" {
		logrus.Warn("broker url not set, domain events will not be published to the bus")
		return broker.NoopPublisher{}, nil
	}
	publisher, err := broker.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange)
	if err != nil {
		return nil, fmt.Errorf("error connecting to broker: %v", err)
	}
	return publisher, nil
}

// setupSettle connects the datasource and creates the service.
func setupSettle(cfg *config.Configuration, publisher broker.Publisher) (*settle.Settle, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newSettle, err := settle.NewSettle(db, settle.WithPublisher(publisher))
	if err != nil {
		return nil, fmt.Errorf("error creating settle: %v", err)
	}
	return newSettle, nil
}

// NewCLI creates the root command with the start, workers, migrate and
// config subcommands.
func NewCLI() *Settle {
	var configFile string
	s := &settleInstance{}

	var rootCmd = &cobra.Command{
		Use:   "settle",
		Short: "Payment settlement core",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./settle.json", "Configuration file for settle")
	rootCmd.PersistentPreRunE = preRun(s, &configFile)

	rootCmd.AddCommand(serverCommands(s))
	rootCmd.AddCommand(workerCommands(s))
	rootCmd.AddCommand(migrateCommands(s))
	rootCmd.AddCommand(configCommands(s))

	return &Settle{cmd: rootCmd}
}

func (w Settle) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
