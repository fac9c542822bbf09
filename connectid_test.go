package securecore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore"
)

func TestDeriveConnectIdIsDeterministic(t *testing.T) {
	a := require.New(t)

	app := securecore.AppInstanceId{1, 2, 3}
	device := securecore.DeviceId{4, 5, 6}

	first := securecore.DeriveConnectId(app, device, securecore.ExchangeDataCenter)
	second := securecore.DeriveConnectId(app, device, securecore.ExchangeDataCenter)
	a.Equal(first, second)
}

func TestDeriveConnectIdVariesByTriple(t *testing.T) {
	a := require.New(t)

	app := securecore.AppInstanceId{1}
	device := securecore.DeviceId{2}

	dataCenter := securecore.DeriveConnectId(app, device, securecore.ExchangeDataCenter)
	appDevice := securecore.DeriveConnectId(app, device, securecore.ExchangeAppDevice)
	a.NotEqual(dataCenter, appDevice, "exchange type must be folded into the identifier")

	otherDevice := securecore.DeriveConnectId(app, securecore.DeviceId{9}, securecore.ExchangeDataCenter)
	a.NotEqual(dataCenter, otherDevice, "device id must be folded into the identifier")
}

func TestConnectIdStringIsFixedWidthHex(t *testing.T) {
	a := require.New(t)
	id := securecore.ConnectId(42)
	a.Equal("0000002a", id.String())
}

func TestExchangeTypeString(t *testing.T) {
	a := require.New(t)
	a.Equal("data-center", securecore.ExchangeDataCenter.String())
	a.Equal("app-device", securecore.ExchangeAppDevice.String())
	a.Equal("invalid", securecore.ExchangeInvalid.String())
	a.Equal("invalid", securecore.ExchangeType(99).String())
}
