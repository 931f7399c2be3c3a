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

package models

import "time"

// AccountWatermark is the last confirmed change-log position for an account.
// LastHistoryID never regresses across writes for the same account.
type AccountWatermark struct {
	AccountID     string    `json:"accountAddress"`
	LastHistoryID string    `json:"lastHistoryId"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// WatchRegistration is a time-limited push registration for an account.
type WatchRegistration struct {
	AccountID           string    `json:"accountAddress"`
	Topic               string    `json:"topic"`
	Expiration          time.Time `json:"expiration"`
	LabelIDs            []string  `json:"labelIds,omitempty"`
	LabelFilterBehavior string    `json:"labelFilterBehavior,omitempty"`
	HistoryID           string    `json:"historyId,omitempty"`
	LastRenewed         time.Time `json:"lastRenewed"`
}
