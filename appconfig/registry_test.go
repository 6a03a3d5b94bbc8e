package appconfig

import "testing"

func TestRegisterGetUnregister(t *testing.T) {
	var r Registry

	if _, ok := r.Get(1); ok {
		t.Fatal("Get on empty registry should not find anything")
	}

	r.Register(AppConfig{AppID: 1, NumRanks: 4})
	cfg, ok := r.Get(1)
	if !ok || cfg.NumRanks != 4 {
		t.Fatalf("Get after Register = %+v, %v", cfg, ok)
	}

	r.Unregister(1)
	if _, ok := r.Get(1); ok {
		t.Fatal("single Register should be undone by a single Unregister")
	}
}

func TestRegisterRefcountsAcrossMultipleClients(t *testing.T) {
	var r Registry

	r.Register(AppConfig{AppID: 7, NumRanks: 2})
	r.Register(AppConfig{AppID: 7, NumRanks: 2}) // second client of the same job mounts

	r.Unregister(7)
	if _, ok := r.Get(7); !ok {
		t.Fatal("app should still be registered while one client remains mounted")
	}

	r.Unregister(7)
	if _, ok := r.Get(7); ok {
		t.Fatal("app should be torn down once the last client unmounts")
	}
}

func TestUnregisterUnknownAppIsNoop(t *testing.T) {
	var r Registry
	r.Unregister(99) // must not panic
	if len(r.List()) != 0 {
		t.Fatal("unregistering an unknown app should not create an entry")
	}
}

func TestList(t *testing.T) {
	var r Registry
	r.Register(AppConfig{AppID: 1})
	r.Register(AppConfig{AppID: 2})

	apps := r.List()
	if len(apps) != 2 {
		t.Fatalf("List returned %d apps, want 2", len(apps))
	}
}
