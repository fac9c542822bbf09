package pending_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/pending"
)

func TestRequestKeyIsDeterministic(t *testing.T) {
	a := require.New(t)
	id := securecore.DeriveConnectId(securecore.AppInstanceId{1}, securecore.DeviceId{2}, securecore.ExchangeAppDevice)

	first := pending.RequestKey(id, "ValidatePhoneNumber", "req-1")
	second := pending.RequestKey(id, "ValidatePhoneNumber", "req-1")
	a.Equal(first, second)

	other := pending.RequestKey(id, "ValidatePhoneNumber", "req-2")
	a.NotEqual(first, other)
}

func TestRegisterAndRetryAllDrainsInOrder(t *testing.T) {
	a := require.New(t)
	s := pending.New()

	var order []int
	s.Register("a", func() error { order = append(order, 1); return nil })
	s.Register("b", func() error { order = append(order, 2); return nil })
	s.Register("c", func() error { order = append(order, 3); return nil })

	a.Equal(3, s.Len())
	errs := s.RetryAll()
	a.Empty(errs)
	a.Equal([]int{1, 2, 3}, order)
	a.Equal(0, s.Len(), "RetryAll drains every entry")
}

func TestRegisterOverwritesSameKey(t *testing.T) {
	a := require.New(t)
	s := pending.New()

	calls := 0
	s.Register("k", func() error { calls++; return nil })
	s.Register("k", func() error { calls += 10; return nil })

	a.Equal(1, s.Len())
	s.RetryAll()
	a.Equal(10, calls, "second registration under the same key replaces the first")
}

func TestUnregisterPreventsReplay(t *testing.T) {
	a := require.New(t)
	s := pending.New()

	called := false
	s.Register("k", func() error { called = true; return nil })
	s.Unregister("k")

	a.Equal(0, s.Len())
	s.RetryAll()
	a.False(called)
}

func TestRetryAllCollectsErrorsWithoutStopping(t *testing.T) {
	a := require.New(t)
	s := pending.New()

	boom := errors.New("replay failed")
	var ranSecond bool
	s.Register("first", func() error { return boom })
	s.Register("second", func() error { ranSecond = true; return nil })

	errs := s.RetryAll()
	a.Len(errs, 1)
	a.ErrorIs(errs[0], boom)
	a.True(ranSecond, "a failing closure must not block later closures in the drain")
}
