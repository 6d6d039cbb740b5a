// Copyright 2025 LiveKit, Inc.
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

package service

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownStrategy = errors.New("unknown playout strategy")
	ErrInvalidPacketMs = errors.New("packet_ms must be between 1 and 120")
	ErrInvalidGain     = errors.New("gain must be a non-negative number")
	ErrStreamNotFound  = errors.New("stream not found")
)
