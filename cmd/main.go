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

	"github.com/jerry-enebeli/remit"
	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/database"
	"github.com/jerry-enebeli/remit/internal/notification"
)

// Remit is the CLI application wrapping the root Cobra command.
type Remit struct {
	cmd *cobra.Command
}

// remitInstance carries the pipeline and its configuration into every command.
type remitInstance struct {
	remit *remit.Remit
	cnf   *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before any command
// runs. Commands that only need the database, like migrate, skip the pipeline.
func preRun(app *remitInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if cmd.Annotations["skipPipeline"] == "true" {
			return nil
		}

		newRemit, err := setupRemit(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.remit = newRemit
		return nil
	}
}

func setupRemit(cfg *config.Configuration) (*remit.Remit, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newRemit, err := remit.NewRemit(db)
	if err != nil {
		return nil, fmt.Errorf("error creating remit: %v", err)
	}
	return newRemit, nil
}

func NewCLI() *Remit {
	configFile := "./remit.json"
	r := &remitInstance{}

	var rootCmd = &cobra.Command{
		Use:   "remit",
		Short: "Idempotent money transfer pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "Configuration file for remit")
	rootCmd.PersistentPreRunE = preRun(r, &configFile)

	rootCmd.AddCommand(serverCommands(r))
	rootCmd.AddCommand(workerCommands(r))
	rootCmd.AddCommand(migrateCommands(r))
	rootCmd.AddCommand(seedCommands(r))
	rootCmd.AddCommand(configCommands(r))

	return &Remit{cmd: rootCmd}
}

func (w Remit) executeCLI() {
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
