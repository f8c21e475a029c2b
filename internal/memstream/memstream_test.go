package memstream

import "testing"

func TestRoundTrip(t *testing.T) {
	s := New()
	s.WriteInt64(-42)
	s.WriteFloat64(3.14159)
	s.WriteBool(true)
	s.WriteString("replica-a")
	s.WriteFloat64s([]float64{1, 2, 3})
	s.WriteInts([]int{7, 8})
	if !s.Good() {
		t.Fatal(s.Err())
	}

	r := NewReader(s.Bytes())
	if got := r.ReadInt64(); got != -42 {
		t.Errorf("int64: got %d", got)
	}
	if got := r.ReadFloat64(); got != 3.14159 {
		t.Errorf("float64: got %f", got)
	}
	if !r.ReadBool() {
		t.Error("bool: got false")
	}
	if got := r.ReadString(); got != "replica-a" {
		t.Errorf("string: got %q", got)
	}
	fs := r.ReadFloat64s()
	if len(fs) != 3 || fs[2] != 3 {
		t.Errorf("float64s: got %v", fs)
	}
	is := r.ReadInts()
	if len(is) != 2 || is[1] != 8 {
		t.Errorf("ints: got %v", is)
	}
	if !r.Good() {
		t.Fatal(r.Err())
	}
}

func TestShortReadSetsError(t *testing.T) {
	s := New()
	s.WriteInt64(1)

	r := NewReader(s.Bytes())
	r.ReadInt64()
	r.ReadInt64()
	if r.Good() {
		t.Error("expected error after reading past the end")
	}
}

func TestCorruptLengthPrefix(t *testing.T) {
	s := New()
	s.WriteUint64(1 << 40) // absurd length prefix with no payload

	r := NewReader(s.Bytes())
	if got := r.ReadString(); got != "" || r.Good() {
		t.Error("expected failure on corrupt length prefix")
	}
}
