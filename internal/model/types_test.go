package model

import "testing"

func TestInstanceDescriptor_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   InstanceDescriptor
		want string
	}{
		{InstanceDescriptor{}, ""},
		{NewInstance("0", "", ""), "locality#0/total"},
		{NewInstance("0", "default", ""), "locality#0/pool#default/total"},
		{NewInstance("1", "default", "3"), "locality#1/pool#default/worker-thread#3"},
		{NewInstance("*", "default", "*"), "locality#*/pool#default/worker-thread#*"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Fatalf("%+v.String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInstanceDescriptor_Matches(t *testing.T) {
	t.Parallel()

	thread3 := NewInstance("0", "default", "3")
	tests := []struct {
		name    string
		pattern InstanceDescriptor
		value   InstanceDescriptor
		want    bool
	}{
		{"exact", thread3, thread3, true},
		{"other thread", NewInstance("0", "default", "4"), thread3, false},
		{"thread wildcard", NewInstance("0", "default", Wildcard), thread3, true},
		{"locality wildcard", NewInstance(Wildcard, "default", "3"), thread3, true},
		{"wildcard does not cross pools", NewInstance("0", "other", Wildcard), thread3, false},
		{"total is not a thread", NewInstance("0", "default", ""), thread3, false},
		{"zero matches zero", InstanceDescriptor{}, InstanceDescriptor{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.pattern.Matches(tt.value); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}

	if !NewInstance("0", "", Wildcard).HasWildcard() || thread3.HasWildcard() {
		t.Fatal("HasWildcard reported wrong result")
	}
	if !(InstanceDescriptor{}).IsZero() || thread3.IsZero() {
		t.Fatal("IsZero reported wrong result")
	}
}

func TestSubscriptionKey_Selects(t *testing.T) {
	t.Parallel()

	sample := CounterSample{Name: "/threads/idle-rate", Instance: NewInstance("0", "default", "1"), Value: 1}
	key := SubscriptionKey{Counter: "/threads/idle-rate", Instance: NewInstance("0", "default", Wildcard)}

	if !key.Selects(sample, "0001") {
		t.Fatal("key following the active collection should select the sample")
	}

	pinned := key
	pinned.CollectionID = "0002"
	if pinned.Selects(sample, "0001") {
		t.Fatal("key pinned to 0002 selected a sample of 0001")
	}
	if !pinned.Selects(sample, "0002") {
		t.Fatal("key pinned to 0002 rejected its own collection")
	}

	other := key
	other.Counter = "/threads/count/cumulative"
	if other.Selects(sample, "0001") {
		t.Fatal("key selected a sample of another counter")
	}
}
