// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/topicrouter/cmd"
	"github.com/alwitt/topicrouter/common"
	"github.com/alwitt/topicrouter/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog     bool
	LogLevel    string `validate:"required,oneof=debug info warn error"`
	ConfigFile  string `validate:"omitempty,file"`
	NATSIngress bool
	Hostname    string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title topicrouter
// @version v0.1.0
// @description Server-Sent Events publish / subscribe hub with destination routing

// @host localhost:3000
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Server-Sent Events publish / subscribe hub with destination routing",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Ingress
			&cli.BoolFlag{
				Name:        "nats-ingress",
				Usage:       "Feed messages from NATS subjects into the hub",
				Aliases:     []string{"n"},
				EnvVars:     []string{"NATS_INGRESS"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.NATSIngress,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the topicrouter hub server",
				Description: "Serves the event stream, and the subscribe / unsubscribe / send REST API",
				Action:      startHubServer,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	if cmdArgs.NATSIngress {
		common.InstallDefaultIngressConfigValues()
	}
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client used by the ingress
func prepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.DefineNATSConnectParams(config, logTags)
	natsParam.OnCloseCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Error("NATS client closed connection")
		ctxtCancel()
	}
	client, err := core.GetNatsClient(natsParam)
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(
	runTimeContext context.Context, wg *sync.WaitGroup, ctxtCancel context.CancelFunc,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Serve subcommand

// startHubServer run the hub server
func startHubServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.Ingress != nil {
		natsClient, err = prepareNATSClient(config.Ingress.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Ingress.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
	}

	signalRecvSetup(runTimeContext, wg, rtCancel)

	return cmd.RunHubServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}
