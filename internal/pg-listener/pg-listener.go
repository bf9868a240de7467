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

package pg_listener

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// NotificationHandler receives the payload of every NOTIFY on the channel.
type NotificationHandler interface {
	HandleNotification(channel, payload string) error
}

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	// MinReconnect and MaxReconnect bound the pq reconnect backoff.
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// PingInterval is how long the listener may stay silent before it pings the server.
	PingInterval time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.MinReconnect <= 0 {
		config.MinReconnect = 10 * time.Second
	}
	if config.MaxReconnect <= 0 {
		config.MaxReconnect = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start listens until ctx is done. It returns an error only when LISTEN itself fails.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnect, d.config.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("channel", d.config.Channel).Warn("postgres listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.WithField("channel", d.config.Channel).Info("listening for postgres notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil is delivered after a reconnect; notifications may have been lost
			if n == nil {
				d.dispatch(d.config.Channel, "")
				continue
			}
			d.dispatch(n.Channel, n.Extra)
		case <-time.After(d.config.PingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					logrus.WithError(err).Warn("postgres listener ping failed")
				}
			}()
		}
	}
}

func (d *DBListener) dispatch(channel, payload string) {
	if err := d.handler.HandleNotification(channel, payload); err != nil {
		logrus.WithError(err).WithField("channel", channel).Error("error handling notification")
	}
}
