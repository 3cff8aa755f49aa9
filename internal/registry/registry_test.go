package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/ble2osc/internal/ble"
)

func populated(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.UpsertPeripheral(Peripheral{ID: "p1", Name: "HRM-A"})
	r.UpsertPeripheral(Peripheral{ID: "p2", Name: "HRM-B"})
	require.NoError(t, r.SelectPeripheral(0))
	require.NoError(t, r.SetServices("p1", []Service{{ID: "s1", PeripheralID: "p1"}, {ID: "s2", PeripheralID: "p1"}}))
	require.NoError(t, r.SelectService(0))
	require.NoError(t, r.SetCharacteristics("s1", []Characteristic{
		{ID: "c1", ServiceID: "s1", Capabilities: ble.Capabilities{Notifiable: true}},
		{ID: "c2", ServiceID: "s1", Capabilities: ble.Capabilities{Readable: true}},
	}))
	return r
}

func TestUpsertPreservesFirstSeenOrder(t *testing.T) {
	r := New()
	_, added := r.UpsertPeripheral(Peripheral{ID: "p1", Name: "HRM-A", RSSI: -70})
	assert.True(t, added)
	r.UpsertPeripheral(Peripheral{ID: "p2", Name: "HRM-B", RSSI: -60})

	idx, added := r.UpsertPeripheral(Peripheral{ID: "p1", RSSI: -40})
	assert.False(t, added)
	assert.Equal(t, 0, idx)

	got := r.Peripherals()
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "HRM-A", got[0].Name, "empty name must not overwrite a known one")
	assert.Equal(t, -40, got[0].RSSI)
	assert.Equal(t, "p2", got[1].ID)
}

func TestSelectOutOfRange(t *testing.T) {
	r := populated(t)

	assert.ErrorIs(t, r.SelectPeripheral(2), ErrIndexOutOfRange)
	assert.ErrorIs(t, r.SelectPeripheral(-1), ErrIndexOutOfRange)
	assert.ErrorIs(t, r.SelectService(5), ErrIndexOutOfRange)

	require.NoError(t, r.SelectCharacteristic(1))
	assert.ErrorIs(t, r.SelectCharacteristic(2), ErrIndexOutOfRange)

	_, _, c := r.Selection()
	assert.Equal(t, 1, c, "failed selection must leave the previous one in place")
}

func TestSelectServiceClearsCharacteristicSelection(t *testing.T) {
	r := populated(t)
	require.NoError(t, r.SelectCharacteristic(0))

	require.NoError(t, r.SelectService(1))

	_, s, c := r.Selection()
	assert.Equal(t, 1, s)
	assert.Equal(t, -1, c)
	assert.Empty(t, r.Characteristics(), "characteristics of the previous service are invalidated")
}

func TestSelectPeripheralClearsDeeperSelections(t *testing.T) {
	r := populated(t)
	require.NoError(t, r.SelectCharacteristic(0))

	require.NoError(t, r.SelectPeripheral(1))

	p, s, c := r.Selection()
	assert.Equal(t, 1, p)
	assert.Equal(t, -1, s)
	assert.Equal(t, -1, c)
	assert.Empty(t, r.Services())
	assert.Len(t, r.Peripherals(), 2)
}

func TestSetCharacteristicsRequiresSelectedService(t *testing.T) {
	r := populated(t)
	err := r.SetCharacteristics("s2", []Characteristic{{ID: "x"}})
	assert.Error(t, err)
	assert.Len(t, r.Characteristics(), 2)
}

func TestSetServicesDeduplicates(t *testing.T) {
	r := New()
	r.UpsertPeripheral(Peripheral{ID: "p1"})
	require.NoError(t, r.SelectPeripheral(0))
	require.NoError(t, r.SetServices("p1", []Service{{ID: "s1"}, {ID: "s1"}, {ID: "s2"}}))
	assert.Len(t, r.Services(), 2)
}

func TestClear(t *testing.T) {
	r := populated(t)
	require.NoError(t, r.SelectCharacteristic(0))

	r.Clear()

	assert.True(t, r.Empty())
	p, s, c := r.Selection()
	assert.Equal(t, []int{-1, -1, -1}, []int{p, s, c})
	_, ok := r.SelectedPeripheral()
	assert.False(t, ok)
}

func TestZeroValueRegistry(t *testing.T) {
	var r Registry
	_, ok := r.SelectedCharacteristic()
	assert.False(t, ok)
	assert.ErrorIs(t, r.SelectService(0), ErrIndexOutOfRange)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := populated(t)
	ps := r.Peripherals()
	ps[0].Name = "mutated"
	assert.Equal(t, "HRM-A", r.Peripherals()[0].Name)
}

func TestSetStatusAndSubscribed(t *testing.T) {
	r := populated(t)
	assert.True(t, r.SetStatus("p1", StatusConnected))
	assert.False(t, r.SetStatus("nope", StatusConnected))
	assert.Equal(t, StatusConnected, r.Peripherals()[0].Status)

	r.SetSubscribed("c1", true)
	c, err := r.Characteristic(0)
	require.NoError(t, err)
	assert.True(t, c.Subscribed)
	assert.Equal(t, 0, r.IndexOfCharacteristic("c1"))
	assert.Equal(t, -1, r.IndexOfCharacteristic("zz"))
}
