// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpush/internal/models"
)

func TestPublisher_PublishEmail(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewPublisher(client, PublisherConfig{QueueName: "emails"})
	rec := &models.EmailRecord{ID: "M1", Account: "a@example.com", Subject: "hi"}

	require.NoError(t, p.PublishEmail(context.Background(), rec))

	items, err := mr.List("emails")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg celeryMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.Equal(t, DefaultTaskName, msg.Headers["task"])
	assert.Equal(t, msg.Headers["id"], msg.Properties["correlation_id"])

	var task celeryTask
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &task))
	require.Len(t, task.Args, 1)

	var got models.EmailRecord
	require.NoError(t, json.Unmarshal([]byte(task.Args[0].(string)), &got))
	assert.Equal(t, "M1", got.ID)
	assert.Equal(t, "a@example.com", got.Account)
}

func TestPublisher_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	p := NewPublisher(client, PublisherConfig{QueueName: "emails", TaskName: "custom.task"})
	assert.Error(t, p.PublishEmail(context.Background(), &models.EmailRecord{ID: "M1"}))
}
