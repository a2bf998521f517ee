package registry

import "testing"

func TestRegisterRefusesDuplicateSubdomain(t *testing.T) {
	r := New()
	a := newTestTunnel("sleepy-otter-a1b2")
	b := newTestTunnel("sleepy-otter-a1b2")

	if err := r.Register(a); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(b); err != ErrAlreadyRegistered {
		t.Fatalf("second Register = %v, want ErrAlreadyRegistered", err)
	}
}

func TestGetHasUnregister(t *testing.T) {
	r := New()
	tun := newTestTunnel("sleepy-otter-a1b2")
	_ = r.Register(tun)

	if !r.Has("sleepy-otter-a1b2") {
		t.Fatal("Has: want true after Register")
	}
	got, ok := r.Get("sleepy-otter-a1b2")
	if !ok || got != tun {
		t.Fatalf("Get = %v, %v, want %v, true", got, ok, tun)
	}

	r.Unregister("sleepy-otter-a1b2")
	if r.Has("sleepy-otter-a1b2") {
		t.Fatal("Has: want false after Unregister")
	}
	// Unregistering an unknown subdomain is a harmless no-op.
	r.Unregister("never-existed-0000")
}

func TestUnregisterTearsDownPendingWork(t *testing.T) {
	r := New()
	tun := newTestTunnel("sleepy-otter-a1b2")
	_ = r.Register(tun)
	p := tun.NewPendingRequest("r1")

	r.Unregister("sleepy-otter-a1b2")

	res := <-p.Result()
	if res.Err != ErrTunnelDisconnected {
		t.Errorf("res.Err = %v, want %v", res.Err, ErrTunnelDisconnected)
	}
}

func TestEnumerateAndHasPendingRequests(t *testing.T) {
	r := New()
	a := newTestTunnel("sleepy-otter-a1b2")
	b := newTestTunnel("brave-falcon-c3d4")
	_ = r.Register(a)
	_ = r.Register(b)

	if r.HasPendingRequests() {
		t.Fatal("fresh registry: want HasPendingRequests=false")
	}
	b.NewPendingRequest("r1")
	if !r.HasPendingRequests() {
		t.Fatal("after NewPendingRequest on one tunnel: want HasPendingRequests=true")
	}

	all := r.Enumerate()
	if len(all) != 2 {
		t.Fatalf("len(Enumerate()) = %d, want 2", len(all))
	}
}
