// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package p2p

import (
	"testing"

	"github.com/pion/ice/v4"
	"github.com/stretchr/testify/assert"
)

func TestIceTransportState_String(t *testing.T) {
	testCases := []struct {
		state          IceTransportState
		expectedString string
	}{
		{IceTransportStateUnknown, unknownStr},
		{IceTransportStateNew, "new"},
		{IceTransportStateChecking, "checking"},
		{IceTransportStateConnected, "connected"},
		{IceTransportStateCompleted, "completed"},
		{IceTransportStateFailed, "failed"},
		{IceTransportStateDisconnected, "disconnected"},
		{IceTransportStateClosed, "closed"},
	}

	for i, testCase := range testCases {
		assert.Equal(t,
			testCase.expectedString,
			testCase.state.String(),
			"testCase: %d %v", i, testCase,
		)
		var parsed IceTransportState
		assert.NoError(t, parsed.UnmarshalText([]byte(testCase.expectedString)))
		assert.Equal(t, testCase.state, parsed, "testCase: %d %v", i, testCase)
	}
}

func TestIceTransportState_Convert(t *testing.T) {
	testCases := []struct {
		native IceTransportState
		ice    ice.ConnectionState
	}{
		{IceTransportStateUnknown, ice.ConnectionStateUnknown},
		{IceTransportStateNew, ice.ConnectionStateNew},
		{IceTransportStateChecking, ice.ConnectionStateChecking},
		{IceTransportStateConnected, ice.ConnectionStateConnected},
		{IceTransportStateCompleted, ice.ConnectionStateCompleted},
		{IceTransportStateFailed, ice.ConnectionStateFailed},
		{IceTransportStateDisconnected, ice.ConnectionStateDisconnected},
		{IceTransportStateClosed, ice.ConnectionStateClosed},
	}

	for i, testCase := range testCases {
		assert.Equal(t,
			testCase.ice,
			testCase.native.ToICE(),
			"testCase: %d %v", i, testCase,
		)
	}
}

func TestTransportState_String(t *testing.T) {
	testCases := []struct {
		state          TransportState
		expectedString string
	}{
		{TransportStateInit, "init"},
		{TransportStateConnecting, "connecting"},
		{TransportStateCompleted, "completed"},
		{TransportStateFailed, "failed"},
		{TransportState(42), unknownStr},
	}

	for i, testCase := range testCases {
		assert.Equal(t,
			testCase.expectedString,
			testCase.state.String(),
			"testCase: %d %v", i, testCase,
		)
	}
}
