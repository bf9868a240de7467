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

	"github.com/blnkfinance/paygate"
	"github.com/blnkfinance/paygate/config"
	"github.com/blnkfinance/paygate/database"
	"github.com/blnkfinance/paygate/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Paygate is the CLI application.
type Paygate struct {
	cmd *cobra.Command
}

// paygateInstance holds what every subcommand needs once preRun has loaded
// the configuration.
type paygateInstance struct {
	paygate *paygate.Paygate
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *paygateInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		// migrate and config only need the configuration
		if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "migrate") {
			app.cnf = cnf
			return nil
		}

		p, err := setupPaygate(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.paygate = p
		app.cnf = cnf
		return nil
	}
}

func setupPaygate(cfg *config.Configuration) (*paygate.Paygate, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	p, err := paygate.NewPaygate(db)
	if err != nil {
		return nil, fmt.Errorf("error creating paygate: %v", err)
	}
	return p, nil
}

func NewCLI() *Paygate {
	var configFile string
	app := &paygateInstance{}

	rootCmd := &cobra.Command{
		Use:   "paygate",
		Short: "Payment gateway orchestrator",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./paygate.json", "Configuration file for paygate")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Paygate{cmd: rootCmd}
}

func (p Paygate) executeCLI() {
	if err := p.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
