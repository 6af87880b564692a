// Copyright 2025 Stashmirror Authors
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

package common

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrExists              = errors.New("already exists")
	ErrNotReady            = errors.New("library not ready: first full sync has not completed")
	ErrSyncRunning         = errors.New("sync already running")
	ErrInvalidFilter       = errors.New("invalid filter criterion")
	ErrUnknownSort         = errors.New("unknown sort field")
	ErrUnknownEntity       = errors.New("unknown entity type")
	ErrUpstreamShape       = errors.New("unexpected upstream payload")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
