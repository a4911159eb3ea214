package coord

import "testing"

func TestRegisterStatePushAngleDedupesByAgent(t *testing.T) {
	var r RegisterState
	r.PushAngle("alice", "first angle")
	r.PushAngle("bob", "bob's angle")
	r.PushAngle("alice", "alice's updated angle")

	if len(r.RecentAngles) != 2 {
		t.Fatalf("expected 2 entries after re-pushing alice, got %d", len(r.RecentAngles))
	}
	if r.RecentAngles[0].Agent != "alice" || r.RecentAngles[0].Angle != "alice's updated angle" {
		t.Fatalf("expected alice's latest angle newest-first, got %+v", r.RecentAngles[0])
	}
}

func TestRegisterStatePushAngleBoundedToFive(t *testing.T) {
	var r RegisterState
	agents := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, a := range agents {
		r.PushAngle(a, a+"-angle")
	}

	if len(r.RecentAngles) != 5 {
		t.Fatalf("expected bound of 5 entries, got %d", len(r.RecentAngles))
	}
	if r.RecentAngles[0].Agent != "g" {
		t.Fatalf("expected most recently pushed agent first, got %s", r.RecentAngles[0].Agent)
	}
}

func TestRegisterStoreGetCreatesOnFirstAccess(t *testing.T) {
	reg := NewRegisterStore()
	st := reg.Get("chat-1")
	if st == nil {
		t.Fatal("Get should never return nil")
	}
	st.PushAngle("alice", "angle")

	again := reg.Get("chat-1")
	if len(again.RecentAngles) != 1 {
		t.Fatal("Get should return the same per-chat state on repeat calls")
	}
}
