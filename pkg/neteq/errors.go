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

package neteq

import "github.com/pkg/errors"

var (
	ErrInvalidSampleRate   = errors.New("sample rate must be positive")
	ErrInvalidChannelCount = errors.New("channel count must be positive")
	ErrInvalidCapacity     = errors.New("packet capacity must be positive")
	ErrInvalidDelayBounds  = errors.New("minimum delay exceeds maximum delay")
	ErrInvalidFrameSize    = errors.New("frame size must be positive")
	ErrNilPacket           = errors.New("packet must not be nil")
)
