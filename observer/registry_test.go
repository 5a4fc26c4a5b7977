package observer

import "testing"

func TestRegistryNotifiesInOrder(t *testing.T) {
	var r Registry[func(int)]
	var got []string

	r.Add(func(v int) { got = append(got, "a") })
	r.Add(func(v int) { got = append(got, "b") })

	r.Each(func(fn func(int)) { fn(1) })

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestDisposerRemovesOnlyItsListener(t *testing.T) {
	var r Registry[func()]
	calls := map[string]int{}

	disposeA := r.Add(func() { calls["a"]++ })
	r.Add(func() { calls["b"]++ })

	disposeA()
	disposeA()
	r.Each(func(fn func()) { fn() })

	if calls["a"] != 0 {
		t.Errorf("disposed listener was called %d times", calls["a"])
	}
	if calls["b"] != 1 {
		t.Errorf("expected remaining listener once, got %d", calls["b"])
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 listener, got %d", r.Len())
	}
}

func TestDisposeDuringNotification(t *testing.T) {
	var r Registry[func()]
	calls := 0

	var dispose func()
	dispose = r.Add(func() {
		calls++
		dispose()
	})
	r.Add(func() { calls++ })

	r.Each(func(fn func()) { fn() })
	r.Each(func(fn func()) { fn() })

	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
