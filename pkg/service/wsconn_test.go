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

package service_test

import (
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/neteq/pkg/service"
)

func TestIsWebSocketCloseError(t *testing.T) {
	closeErrors := []error{
		io.EOF,
		errors.Wrap(io.EOF, "read failed"),
		errors.New("read tcp 127.0.0.1:1->127.0.0.1:2: use of closed network connection"),
		errors.New("read tcp 127.0.0.1:1->127.0.0.1:2: connection reset by peer"),
		&websocket.CloseError{Code: websocket.CloseNormalClosure},
		&websocket.CloseError{Code: websocket.CloseGoingAway},
		&websocket.CloseError{Code: websocket.CloseAbnormalClosure},
		&websocket.CloseError{Code: websocket.CloseNoStatusReceived},
	}
	for _, err := range closeErrors {
		require.True(t, service.IsWebSocketCloseError(err), err.Error())
	}

	realErrors := []error{
		errors.New("short write"),
		&websocket.CloseError{Code: websocket.CloseMessageTooBig},
	}
	for _, err := range realErrors {
		require.False(t, service.IsWebSocketCloseError(err), err.Error())
	}
}
