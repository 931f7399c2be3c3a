// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue hands persisted email records to downstream workers as
// Celery-compatible tasks on a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailpush/internal/models"
)

// DefaultTaskName is the Celery task that receives each record.
const DefaultTaskName = "mailpush.tasks.process_email"

// Publisher pushes email records to a Redis list in Celery message format.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	taskName  string
}

// PublisherConfig holds the configuration for a Publisher.
type PublisherConfig struct {
	QueueName string
	TaskName  string
}

// NewPublisher creates a Redis publisher targeting cfg.QueueName.
func NewPublisher(rdb *redis.Client, cfg PublisherConfig) *Publisher {
	task := cfg.TaskName
	if task == "" {
		task = DefaultTaskName
	}
	return &Publisher{rdb: rdb, queueName: cfg.QueueName, taskName: task}
}

// celeryTask is the task body a Celery worker decodes.
type celeryTask struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []interface{} `json:"args"`
	Kwargs  interface{}   `json:"kwargs"`
	Retries int           `json:"retries"`
	ETA     *string       `json:"eta"`
}

// celeryMessage is the Redis transport envelope around a task body.
type celeryMessage struct {
	Body            string                 `json:"body"`
	ContentEncoding string                 `json:"content-encoding"`
	ContentType     string                 `json:"content-type"`
	Headers         map[string]interface{} `json:"headers"`
	Properties      map[string]interface{} `json:"properties"`
}

// PublishEmail serialises rec and LPUSHes it as a Celery task.
func (p *Publisher) PublishEmail(ctx context.Context, rec *models.EmailRecord) error {
	taskID := uuid.New().String()

	msg, err := p.envelope(taskID, rec)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published email record",
		"task_id", taskID,
		"account", rec.Account,
		"message_id", rec.ID,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) envelope(taskID string, rec *models.EmailRecord) (string, error) {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal email record: %w", err)
	}

	body, err := json.Marshal(celeryTask{
		ID:     taskID,
		Task:   p.taskName,
		Args:   []interface{}{string(recJSON)},
		Kwargs: map[string]interface{}{},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery task: %w", err)
	}

	out, err := json.Marshal(celeryMessage{
		Body:            string(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: map[string]interface{}{
			"lang":    "py",
			"task":    p.taskName,
			"id":      taskID,
			"retries": 0,
		},
		Properties: map[string]interface{}{
			"correlation_id": taskID,
			"delivery_mode":  2,
			"delivery_tag":   taskID,
			"body_encoding":  "utf-8",
			"delivery_info": map[string]string{
				"exchange":    p.queueName,
				"routing_key": p.queueName,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal celery message: %w", err)
	}
	return string(out), nil
}
