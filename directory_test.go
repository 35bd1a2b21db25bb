// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"testing"
	"time"
)

func TestDirectoryVisibilityLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir, dirURL := startDirectory(t)

	s := connectSession(t, dirURL)
	other := connectSession(t, dirURL)

	// Before serviceReady the entry must not resolve. Register by hand to
	// observe the intermediate state.
	if err := s.Listen(""); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	info := ServiceInfo{
		Name:      "pending",
		Endpoints: s.Endpoints(),
		MachineID: "m",
		ProcessID: 1,
		SessionID: "s",
	}
	v, err := s.dirObj.Call(ctx, "registerService", info.tuple())
	if err != nil {
		t.Fatalf("registerService: %v", err)
	}
	sid := v.(uint32)

	if _, err := other.Service(ctx, "pending"); err == nil {
		t.Fatal("unready service resolved")
	}
	if dir.ServiceCount() != 0 {
		t.Fatalf("ServiceCount = %d before ready", dir.ServiceCount())
	}

	if _, err := s.dirObj.Call(ctx, "serviceReady", sid); err != nil {
		t.Fatalf("serviceReady: %v", err)
	}
	if dir.ServiceCount() != 1 {
		t.Fatalf("ServiceCount = %d after ready", dir.ServiceCount())
	}
}

func TestDirectoryServiceAddedSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	watcher := connectSession(t, dirURL)
	added := make(chan string, 4)
	if _, err := watcher.dirObj.Subscribe(ctx, "serviceAdded", func(args []any) {
		added <- args[1].(string)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	select {
	case name := <-added:
		if name != "echo" {
			t.Errorf("added %q", name)
		}
	case <-ctx.Done():
		t.Fatal("serviceAdded did not fire")
	}
}

func TestDirectoryUpdateServiceInfo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	sid, err := server.RegisterService(ctx, "echo", echoObject(t))
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	updated := ServiceInfo{
		ServiceID: sid,
		Name:      "echo",
		Endpoints: append(server.Endpoints(), "tcp://10.0.0.1:4242"),
		MachineID: "elsewhere",
		ProcessID: 99,
		SessionID: "s",
	}
	if _, err := server.dirObj.Call(ctx, "updateServiceInfo", updated.tuple()); err != nil {
		t.Fatalf("updateServiceInfo: %v", err)
	}

	infos, err := server.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(infos) != 1 || infos[0].MachineID != "elsewhere" {
		t.Fatalf("infos = %v", infos)
	}
}

func TestDirectoryRejectsUnknownIDs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	s := connectSession(t, dirURL)
	if _, err := s.dirObj.Call(ctx, "serviceReady", uint32(4242)); err == nil {
		t.Error("serviceReady accepted an unknown id")
	}
	if _, err := s.dirObj.Call(ctx, "unregisterService", uint32(4242)); err == nil {
		t.Error("unregisterService accepted an unknown id")
	}
}
