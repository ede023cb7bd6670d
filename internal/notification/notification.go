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

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jerry-enebeli/remit/config"
	"github.com/jerry-enebeli/remit/internal/request"
	"github.com/sirupsen/logrus"
)

// slackMessage builds the Block Kit body posted for an error.
func slackMessage(err error, at time.Time) (json.RawMessage, error) {
	text, marshalErr := json.Marshal(fmt.Sprintf("*Error:*\n%v", err))
	if marshalErr != nil {
		return nil, marshalErr
	}
	return json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {"type": "plain_text", "text": "Error From Remit", "emoji": true}
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": %s}]
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": "*Time:*\n%s"}]
			}
		]
	}`, text, at.Format(time.RFC822))), nil
}

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(ctx context.Context, webhookURL string, reported error) error {
	data, err := slackMessage(reported, time.Now())
	if err != nil {
		return err
	}
	_, err = request.PostJSON(ctx, webhookURL, &data, nil, nil)
	return err
}

// NotifyError logs systemError and, when Slack is configured, reports it
// there. Delivery happens in the background.
func NotifyError(systemError error) {
	logrus.Error(systemError)

	conf, err := config.Fetch()
	if err != nil || conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	go func(url string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, url, systemError); err != nil {
			logrus.Errorf("failed to send slack notification: %v", err)
		}
	}(conf.Notification.Slack.WebhookUrl)
}
