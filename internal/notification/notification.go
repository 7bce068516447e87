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
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/sirupsen/logrus"
)

// Alert is an operator-facing notice, e.g. an exhausted webhook delivery or a
// confirmation parked in suspense.
type Alert struct {
	Title  string
	Fields map[string]string
	Time   time.Time
}

// AlertSink receives every alert raised through NotifyOperator.
type AlertSink func(Alert)

var (
	sinksMu sync.RWMutex
	sinks   []AlertSink
)

// RegisterAlertSink adds a receiver for operator alerts in addition to the
// log and Slack outputs.
func RegisterAlertSink(sink AlertSink) {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	sinks = append(sinks, sink)
}

func resetSinks() {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	sinks = nil
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func buildSlackMessage(alert Alert) slackMessage {
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]slackText, 0, len(keys)+1)
	for _, k := range keys {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, alert.Fields[k])})
	}
	fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", alert.Time.Format(time.RFC822))})

	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: alert.Title, Emoji: true}},
		{Type: "section", Fields: fields},
	}}
}

// SlackNotification posts an alert to a Slack incoming webhook.
//
// Parameters:
// - webhookURL: The Slack incoming webhook URL.
// - alert: The alert to format and send.
//
// Returns:
// - error: An error if the payload cannot be built or Slack rejects it.
func SlackNotification(webhookURL string, alert Alert) error {
	payload, err := request.ToJsonReq(buildSlackMessage(alert))
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}

	_, err = request.Call(req, nil)
	return err
}

func dispatch(alert Alert) {
	sinksMu.RLock()
	registered := append([]AlertSink(nil), sinks...)
	sinksMu.RUnlock()
	for _, sink := range registered {
		sink(alert)
	}

	conf, err := config.Fetch()
	if err != nil {
		logrus.Debug(err)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}
	if err := SlackNotification(conf.Notification.Slack.WebhookUrl, alert); err != nil {
		logrus.WithError(err).Warn("failed to send slack notification")
	}
}

// NotifyOperator logs an alert and forwards it to the registered sinks and
// Slack without blocking the caller.
func NotifyOperator(alert Alert) {
	if alert.Time.IsZero() {
		alert.Time = time.Now()
	}
	fields := logrus.Fields{"alert": alert.Title}
	for k, v := range alert.Fields {
		fields[k] = v
	}
	logrus.WithFields(fields).Warn("operator alert")

	go dispatch(alert)
}

// NotifyError reports an unexpected system error to the operator.
//
// This function runs the notification process asynchronously using a goroutine to avoid blocking.
func NotifyError(systemError error) {
	if systemError == nil {
		return
	}
	logrus.Error(systemError)
	go dispatch(Alert{
		Title:  "Error From Settle 🐞",
		Fields: map[string]string{"Error": systemError.Error()},
		Time:   time.Now(),
	})
}
