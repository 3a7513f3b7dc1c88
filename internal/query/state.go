package query

import (
	"maps"

	"iotquery/internal/device"
	"iotquery/internal/reading"
)

// state is the coordinator's progress through a query. A device is always in
// exactly one of outstanding or collected (keyed by its identifier).
// Methods never modify the receiver.
type state struct {
	outstanding map[device.Ref]struct{}
	collected   map[string]reading.Reading
}

func initialState(devices map[device.Ref]string) state {
	outstanding := make(map[device.Ref]struct{}, len(devices))
	for ref := range devices {
		outstanding[ref] = struct{}{}
	}
	return state{
		outstanding: outstanding,
		collected:   make(map[string]reading.Reading, len(devices)),
	}
}

func (s state) waitingOn(ref device.Ref) bool {
	_, ok := s.outstanding[ref]
	return ok
}

func (s state) complete() bool {
	return len(s.outstanding) == 0
}

// resolve moves ref from outstanding to collected under deviceID.
func (s state) resolve(ref device.Ref, deviceID string, r reading.Reading) state {
	outstanding := maps.Clone(s.outstanding)
	delete(outstanding, ref)

	collected := maps.Clone(s.collected)
	collected[deviceID] = r

	return state{outstanding: outstanding, collected: collected}
}

// expire resolves every outstanding device as timed out.
func (s state) expire(devices map[device.Ref]string) state {
	collected := maps.Clone(s.collected)
	for ref := range s.outstanding {
		collected[devices[ref]] = reading.TimedOut()
	}
	return state{outstanding: map[device.Ref]struct{}{}, collected: collected}
}
