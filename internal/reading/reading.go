package reading

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Kind tags the outcome of reading a single device.
type Kind int

const (
	// KindUnknown is the zero Kind. No constructor produces it.
	KindUnknown Kind = iota
	// KindValue means the device answered with a measurement.
	KindValue
	// KindUnavailable means the device answered but had no measurement.
	KindUnavailable
	// KindWorkerGone means the device terminated before answering.
	KindWorkerGone
	// KindTimedOut means the query deadline elapsed before the device answered or terminated.
	KindTimedOut
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindValue:
		return "VALUE"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindWorkerGone:
		return "WORKER_GONE"
	case KindTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// ParseKind converts the string form produced by Kind.String back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "VALUE":
		return KindValue, nil
	case "UNAVAILABLE":
		return KindUnavailable, nil
	case "WORKER_GONE":
		return KindWorkerGone, nil
	case "TIMED_OUT":
		return KindTimedOut, nil
	default:
		return KindUnknown, fmt.Errorf("unknown reading kind %q", s)
	}
}

// Reading is the outcome for one device. Only the constructors in this
// package produce readings, so the set of variants is closed.
// Readings are comparable with ==.
type Reading struct {
	kind  Kind
	value float64
}

// Value returns a reading carrying a measured temperature.
func Value(x float64) Reading {
	return Reading{kind: KindValue, value: x}
}

// Unavailable returns the reading for a device that had no measurement.
func Unavailable() Reading {
	return Reading{kind: KindUnavailable}
}

// WorkerGone returns the reading for a device that terminated before answering.
func WorkerGone() Reading {
	return Reading{kind: KindWorkerGone}
}

// TimedOut returns the reading for a device that did not answer in time.
func TimedOut() Reading {
	return Reading{kind: KindTimedOut}
}

// FromOptional maps a device response payload to a reading.
func FromOptional(v *float64) Reading {
	if v == nil {
		return Unavailable()
	}
	return Value(*v)
}

// Valid reports whether r was built by one of the constructors. The zero
// Reading is not valid.
func (r Reading) Valid() bool {
	return r.kind != KindUnknown
}

// Kind returns the variant tag.
func (r Reading) Kind() Kind {
	return r.kind
}

// Temperature returns the measured value and true for KindValue readings.
func (r Reading) Temperature() (float64, bool) {
	if r.kind != KindValue {
		return 0, false
	}
	return r.value, true
}

func (r Reading) String() string {
	if r.kind == KindValue {
		return fmt.Sprintf("%s(%g)", r.kind, r.value)
	}
	return r.kind.String()
}

// ToProto converts the reading to a structpb value of the form
// {"status": "VALUE", "value": 21.5}.
func (r Reading) ToProto() *structpb.Value {
	fields := map[string]*structpb.Value{
		"status": structpb.NewStringValue(r.kind.String()),
	}
	if r.kind == KindValue {
		fields["value"] = structpb.NewNumberValue(r.value)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// FromProto converts a structpb value produced by ToProto back to a Reading.
func FromProto(v *structpb.Value) (Reading, error) {
	s := v.GetStructValue()
	if s == nil {
		return Reading{}, fmt.Errorf("reading must be a struct")
	}
	kind, err := ParseKind(s.GetFields()["status"].GetStringValue())
	if err != nil {
		return Reading{}, err
	}
	if kind != KindValue {
		return Reading{kind: kind}, nil
	}
	num, ok := s.GetFields()["value"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return Reading{}, fmt.Errorf("VALUE reading without a numeric value")
	}
	return Value(num.NumberValue), nil
}

type jsonReading struct {
	Status string   `json:"status"`
	Value  *float64 `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Reading) MarshalJSON() ([]byte, error) {
	out := jsonReading{Status: r.kind.String()}
	if v, ok := r.Temperature(); ok {
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var in jsonReading
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseKind(in.Status)
	if err != nil {
		return err
	}
	if kind == KindValue {
		if in.Value == nil {
			return fmt.Errorf("VALUE reading without a value")
		}
		*r = Value(*in.Value)
		return nil
	}
	*r = Reading{kind: kind}
	return nil
}
