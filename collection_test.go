package citytwin

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCollection(t *testing.T) {
	var c Collection[*Sensor]
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get on the zero-value collection found an entity")
	}

	c.Put(&Sensor{SensorID: "a", Value: 1})
	c.Put(&Sensor{SensorID: "b", Value: 2})
	c.Put(&Sensor{SensorID: "c", Value: 3})
	c.Put(&Sensor{SensorID: "b", Value: 20}) // replaces in place

	if diff := cmp.Diff([]string{"a", "b", "c"}, c.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if s, _ := c.Get("b"); s.Value != 20 {
		t.Errorf("Get(b).Value = %v, want 20", s.Value)
	}

	created := 0
	c.Upsert("d", func() *Sensor { created++; return &Sensor{SensorID: "d"} })
	c.Upsert("d", func() *Sensor { created++; return &Sensor{SensorID: "d"} })
	if created != 1 {
		t.Errorf("Upsert created %d entities, want 1", created)
	}

	if !c.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if c.Remove("a") {
		t.Error("Remove(a) twice = true, want false")
	}
	if s, ok := c.Get("c"); !ok || s.Value != 3 {
		t.Errorf("Get(c) after Remove = %v, %v; want index rebuilt", s, ok)
	}

	removed := c.RemoveFunc(func(s *Sensor) bool { return s.Value > 10 })
	if diff := cmp.Diff([]string{"b"}, removed); diff != "" {
		t.Errorf("RemoveFunc() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c", "d"}, c.Keys()); diff != "" {
		t.Errorf("Keys() after RemoveFunc mismatch (-want +got):\n%s", diff)
	}
}

func TestCollection_UpsertSorted(t *testing.T) {
	tests := []struct {
		Name string
		Keys []string
		Want []string
	}{
		{Name: "ascending", Keys: []string{"D1", "D2", "D3"}, Want: []string{"D1", "D2", "D3"}},
		{Name: "descending", Keys: []string{"D3", "D2", "D1"}, Want: []string{"D1", "D2", "D3"}},
		{Name: "interleaved", Keys: []string{"D2", "D4", "D1", "D3"}, Want: []string{"D1", "D2", "D3", "D4"}},
		{Name: "repeated", Keys: []string{"D2", "D1", "D2", "D1"}, Want: []string{"D1", "D2"}},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			var c Collection[*District]
			for _, k := range tt.Keys {
				c.UpsertSorted(k, func() *District { return &District{DistrictID: k} })
			}
			if diff := cmp.Diff(tt.Want, c.Keys()); diff != "" {
				t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
			}
			for i, k := range tt.Want {
				if d, ok := c.Get(k); !ok || d.DistrictID != k {
					t.Errorf("Get(%s) = %v, %v after %d inserts", k, d, ok, i)
				}
			}
		})
	}
}

func TestCollection_Clone(t *testing.T) {
	var c Collection[*Sensor]
	c.Put(&Sensor{SensorID: "a", Value: 1, Metadata: &SensorMetadata{Readings: []SpeedReading{{SensorID: "r", SpeedKmh: 10}}}})

	clone := c.Clone()
	orig, _ := c.Get("a")
	orig.Value = 99
	orig.Metadata.Readings[0].SpeedKmh = 99
	c.Put(&Sensor{SensorID: "b"})

	got, ok := clone.Get("a")
	if !ok {
		t.Fatal("clone lost entity a")
	}
	if got.Value != 1 || got.Metadata.Readings[0].SpeedKmh != 10 {
		t.Errorf("clone observed a mutation of the original: %+v", got)
	}
	if clone.Len() != 1 {
		t.Errorf("clone.Len() = %d, want 1", clone.Len())
	}
}

func TestCollection_JSON(t *testing.T) {
	var empty Collection[*Sensor]
	b, err := json.Marshal(empty)
	if err != nil {
		t.Fatalf("Marshal(empty) error = %v", err)
	}
	if string(b) != "[]" {
		t.Errorf("Marshal(empty) = %s, want []", b)
	}

	var c Collection[*Sensor]
	err = json.Unmarshal([]byte(`[{"sensorId":"a","value":1},null,{"sensorId":"a","value":2},{"sensorId":"b"}]`), &c)
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, c.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if s, _ := c.Get("a"); s.Value != 2 {
		t.Errorf("Get(a).Value = %v, want the last occurrence (2)", s.Value)
	}
}
