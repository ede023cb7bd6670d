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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/jerry-enebeli/remit"
	"github.com/jerry-enebeli/remit/config"
	redis_db "github.com/jerry-enebeli/remit/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func redisConnOpt(conf *config.Configuration) (asynq.RedisConnOpt, error) {
	addresses := redis_db.SplitAddresses(conf.Redis.Dns)
	if len(addresses) > 1 {
		return asynq.RedisClusterClientOpt{Addrs: addresses}, nil
	}
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// initializeWebhookServer delivers queued webhooks. It is separate from the
// dispatcher so a slow endpoint never holds up a partition.
func initializeWebhookServer(conf *config.Configuration, opt asynq.RedisConnOpt) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{conf.Queue.WebhookQueue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(conf.Queue.WebhookQueue, remit.ProcessWebhook)
	return srv, mux
}

func startMonitoring(conf *config.Configuration, opt asynq.RedisConnOpt) *http.Server {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	server := &http.Server{Addr: fmt.Sprintf(":%s", conf.Queue.MonitoringPort), Handler: h}
	go func() {
		log.Printf("Asynqmon server listening on %s/monitoring", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("could not start asynqmon server: %v", err)
		}
	}()
	return server
}

// workerCommands runs the dispatcher lanes, the reconciler and the webhook
// workers until the process is signalled.
func workerCommands(r *remitInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start remit workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := shutdownContext()
			defer stop()
			conf := r.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			defer r.remit.Close()

			dispatcher := r.remit.NewDispatcher()
			dispatcher.Start(ctx)
			defer dispatcher.Stop()

			if conf.Reconciler.Enabled {
				reconciler := r.remit.NewReconciler()
				reconciler.Start(ctx)
				defer reconciler.Stop()
			}

			opt, err := redisConnOpt(conf)
			if err != nil {
				log.Fatal(err)
			}
			srv, mux := initializeWebhookServer(conf, opt)
			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not start webhook workers: %v", err)
			}
			defer srv.Shutdown()

			monitor := startMonitoring(conf, opt)
			defer func() { _ = monitor.Close() }()

			<-ctx.Done()
			logrus.Info("Shutdown signal received, draining workers")
		},
	}

	return cmd
}
