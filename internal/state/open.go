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

package state

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open returns the store for backend: "file" keeps JSON files under dir,
// "postgres" uses pool.
func Open(ctx context.Context, backend, dir string, pool *pgxpool.Pool) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir)
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres state backend needs a database connection")
		}
		return NewPGStore(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
