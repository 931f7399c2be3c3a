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

// Package state persists per-account watermarks and watch registrations.
// Two backends exist: JSON files next to the token files, and Postgres.
// Watermarks and registrations are separate records that share only the
// account key.
package state

import (
	"context"

	"github.com/bcem/mailpush/internal/models"
)

// WatermarkStore persists the last confirmed change-log position per account.
type WatermarkStore interface {
	// LoadWatermark returns nil, nil when no watermark exists.
	LoadWatermark(ctx context.Context, account string) (*models.AccountWatermark, error)
	// SaveWatermark never moves a stored watermark backwards.
	SaveWatermark(ctx context.Context, wm models.AccountWatermark) error
}

// RegistrationStore persists watch registrations per account.
type RegistrationStore interface {
	// LoadRegistration returns nil, nil when no registration exists.
	LoadRegistration(ctx context.Context, account string) (*models.WatchRegistration, error)
	SaveRegistration(ctx context.Context, reg models.WatchRegistration) error
}

// Store is implemented by both backends.
type Store interface {
	WatermarkStore
	RegistrationStore
}
