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

package emaildb

import (
	"context"
	"testing"

	"github.com/bcem/mailpush/internal/models"
)

func TestMemoryStore_SaveIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.SaveEmail(ctx, &models.EmailRecord{ID: "M1", Subject: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveEmail(ctx, &models.EmailRecord{ID: "M1", Subject: "second"}); err != nil {
		t.Fatal(err)
	}

	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	rec, _ := m.Email("M1")
	if rec.Subject != "first" {
		t.Errorf("Subject = %q, second save must be a no-op", rec.Subject)
	}
}

func TestMemoryStore_Processed(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if done, _ := m.HasProcessed(ctx, "M1"); done {
		t.Fatal("fresh store reports processed")
	}
	if err := m.MarkProcessed(ctx, "M1"); err != nil {
		t.Fatal(err)
	}
	if done, _ := m.HasProcessed(ctx, "M1"); !done {
		t.Error("expected M1 processed")
	}
}
