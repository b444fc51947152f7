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

package cmd

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/topicrouter/apis"
	"github.com/alwitt/topicrouter/common"
	"github.com/alwitt/topicrouter/core"
	"github.com/alwitt/topicrouter/hub"
	"github.com/alwitt/topicrouter/ingress"
	"github.com/alwitt/topicrouter/metrics"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

/*
RunHubServer run the hub server until the runtime context is cancelled

	@param runTimeContext context.Context - the runtime context
	@param config *common.SystemConfig - the system config
	@param instance string - instance name
	@param natsClient *core.NatsClient - NATS client for the ingress, nil to disable it
	@param wg *sync.WaitGroup - tracks the background goroutines
*/
func RunHubServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Define the hub

	registryConfig, err := hub.DefineRegistryConfig(config.Hub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hub config")
		return err
	}
	registry, err := hub.GetConnectionRegistry(localCtxt, registryConfig, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during registry shutdown")
		}
	}()

	readinessChecks := []apis.ReadinessCheck{}
	if natsClient != nil {
		if config.Ingress == nil {
			return fmt.Errorf("NATS ingress can't start without its configurations")
		}
		bridge, err := ingress.GetNATSSubjectBridge(
			localCtxt, natsClient.NATs(), *config.Ingress, registry,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS ingress")
			return err
		}
		if err := bridge.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS ingress")
			return err
		}
		defer func() {
			if err := bridge.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during NATS ingress shutdown")
			}
		}()
		readinessChecks = append(readinessChecks, natsClient.Ready)
	}

	httpHandler, err := apis.GetAPIRestHubHandler(
		localCtxt, registry, &config.Server.HTTPSetting, config.Server.Endpoints, readinessChecks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Event stream and client commands
	eventRouter := apis.RegisterPathPrefix(
		mainRouter, config.Server.Endpoints.EventPath, map[string]http.HandlerFunc{
			"get": httpHandler.EventStreamHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(eventRouter, "/subscribe", map[string]http.HandlerFunc{
		"post": httpHandler.SubscribeHandler(),
	})
	_ = apis.RegisterPathPrefix(eventRouter, "/unsubscribe", map[string]http.HandlerFunc{
		"get":    httpHandler.UnsubscribeHandler(),
		"delete": httpHandler.UnsubscribeHandler(),
	})
	_ = apis.RegisterPathPrefix(eventRouter, "/send", map[string]http.HandlerFunc{
		"post": httpHandler.SendHandler(),
	})

	// Inspection
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connections", map[string]http.HandlerFunc{
		"get": httpHandler.ListConnectionsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	if config.Metrics.Enabled {
		hubMetrics, err := metrics.GetHubMetrics("topicrouter", registry)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
			return err
		}
		defer hubMetrics.Detach()
		router.Handle(config.Metrics.Path, hubMetrics.Handler()).Methods("GET")
	}

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
		ErrorLog:     stdlog.New(httpHandler, "", 0),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
