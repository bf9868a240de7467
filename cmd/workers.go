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

	"github.com/blnkfinance/paygate"
	"github.com/blnkfinance/paygate/config"
	redis_db "github.com/blnkfinance/paygate/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	redisOpt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      map[string]int{conf.Queue.ExpiryQueue: 1},
		Logger:      logrus.StandardLogger(),
	}), nil
}

// startMonitoring serves asynqmon for the expiry queue.
func startMonitoring(conf *config.Configuration) (*http.Server, error) {
	redisOpt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOpt,
	})

	server := &http.Server{Addr: fmt.Sprintf(":%s", conf.Queue.MonitoringPort), Handler: h}
	go func() {
		log.Printf("Asynqmon server listening on %s/monitoring", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("asynqmon server stopped")
		}
	}()
	return server, nil
}

type stopper interface {
	Stop()
}

// workerCommands starts the background side of paygate: the webhook retry
// worker, the outbox dispatcher, the expiry sweeper and the asynq server that
// runs scheduled expiry tasks.
func workerCommands(app *paygateInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "start paygate workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			conf := app.cnf
			p := app.paygate

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			webhooks := paygate.NewWebhookWorker(p)
			outbox := paygate.NewOutboxDispatcher(p)
			sweeper := paygate.NewExpirySweeper(p)
			webhooks.Start(ctx)
			outbox.Start(ctx)
			sweeper.Start(ctx)

			srv, err := initializeWorkerServer(conf)
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			mux.HandleFunc(conf.Queue.ExpiryQueue, p.ProcessExpiryTask)
			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}

			monitor, err := startMonitoring(conf)
			if err != nil {
				logrus.WithError(err).Warn("asynqmon disabled")
			}

			<-ctx.Done()
			logrus.Info("stopping workers")

			srv.Shutdown()
			for _, w := range []stopper{webhooks, outbox, sweeper} {
				w.Stop()
			}
			if monitor != nil {
				_ = monitor.Close()
			}
			if err := p.Close(); err != nil {
				logrus.WithError(err).Warn("closing paygate")
			}
		},
	}
}
