/*
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
package remit

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/internal/request"
	"github.com/jerry-enebeli/remit/model"
)

const (
	EventTransferCompleted    = "transfer.completed"
	EventTransferFailed       = "transfer.failed"
	EventTransferDeadLettered = "transfer.dead_lettered"
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// Notifier hands webhook notifications off for delivery.
type Notifier interface {
	SendWebhook(ctx context.Context, webhook NewWebhook) error
}

// getEventFromStatus maps a terminal transfer status to its webhook event.
func getEventFromStatus(status model.TransferStatus) string {
	switch status {
	case model.StatusCompleted:
		return EventTransferCompleted
	case model.StatusFailed:
		return EventTransferFailed
	default:
		return "transfer.unknown"
	}
}

// AsynqNotifier enqueues webhooks on an asynq queue; ProcessWebhook delivers
// them from the workers process.
type AsynqNotifier struct {
	client  *asynq.Client
	queue   string
	enabled bool
}

// NewAsynqNotifier returns a notifier that drops every webhook when enabled
// is false, which is the case when no webhook url is configured.
func NewAsynqNotifier(opt asynq.RedisConnOpt, queue string, enabled bool) *AsynqNotifier {
	return &AsynqNotifier{
		client:  asynq.NewClient(opt),
		queue:   queue,
		enabled: enabled,
	}
}

// SendWebhook enqueues a webhook notification task.
func (n *AsynqNotifier) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if !n.enabled {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(n.queue, payload, asynq.Queue(n.queue), asynq.MaxRetry(5))
	info, err := n.client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.Errorf("failed to enqueue webhook %s: %v", newWebhook.Event, err)
		return err
	}
	logrus.Debugf("webhook %s enqueued as %s", newWebhook.Event, info.ID)
	return nil
}

func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}

// processHTTP posts the notification to the configured endpoint.
func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
	var response map[string]interface{}
	_, err := request.PostJSON(ctx, conf.Notification.Webhook.Url, data, conf.Notification.Webhook.Headers, &response)
	if err != nil {
		logrus.Errorf("webhook %s delivery failed: %v", data.Event, err)
		return err
	}
	logrus.Infof("Webhook notification sent successfully: %s", data.Event)
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue. A
// delivery error makes asynq retry the task.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task payload: %v", err)
		// a payload that cannot be decoded will never succeed
		return asynq.SkipRetry
	}
	logrus.Infof("Processing webhook: %s", payload.Event)
	return processHTTP(ctx, conf, payload)
}
