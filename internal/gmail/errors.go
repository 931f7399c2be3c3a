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

package gmail

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrHistoryExpired means the requested change-log start position is
	// older than the provider retains. History cannot be replayed from it.
	ErrHistoryExpired = errors.New("history start position expired")

	// ErrMessageNotFound means the message was deleted before it was fetched.
	ErrMessageNotFound = errors.New("message not found")
)

// statusCode extracts the HTTP status of a Gmail API error, or 0.
func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// tripsBreaker reports whether err indicates provider trouble rather than
// a problem with the individual request. Client errors do not count.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	code := statusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
