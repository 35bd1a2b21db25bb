// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startDirectory(t *testing.T) (*Directory, string) {
	t.Helper()
	d := NewDirectory()
	if err := d.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("directory Listen: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, d.Endpoints()[0]
}

func connectSession(t *testing.T, directoryURL string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewSession()
	if err := s.Connect(ctx, directoryURL); err != nil {
		t.Fatalf("session Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// echoObject is the canonical test service: echo, a failing method, a
// cancellable sleeper, a signal and a property.
func echoObject(t *testing.T) *GenericObject {
	t.Helper()
	b := NewObjectBuilder()
	b.AdvertiseMethod("echo", "(s)", "s", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	})
	b.AdvertiseMethod("fail", "()", "v", func(context.Context, []any) (any, error) {
		return nil, errors.New("kaboom")
	})
	b.AdvertiseMethod("sleep", "()", "v", func(ctx context.Context, _ []any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	b.AdvertiseSignal("tick", "(i)")
	b.AdvertiseProperty("volume", "i", int32(7))
	obj, err := b.Object()
	if err != nil {
		t.Fatalf("build object: %v", err)
	}
	return obj
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEchoService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	callCtx, callCancel := context.WithTimeout(ctx, time.Second)
	defer callCancel()
	out, err := echo.Call(callCtx, "echo", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hello" {
		t.Errorf("echo = %v", out)
	}
}

func TestServiceLookupBeforeRegistration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	client := connectSession(t, dirURL)
	if _, err := client.Service(ctx, "echo"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("pre-registration lookup: err = %v, want ErrServiceNotFound", err)
	}

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	first, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("post-registration lookup: %v", err)
	}
	// The second lookup must take the cached path: same proxy, no second
	// directory RPC.
	second, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if first != second {
		t.Error("cached lookup returned a different proxy")
	}
}

func TestRemoteErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	_, err = echo.Call(ctx, "fail")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if remote.Message != "kaboom" {
		t.Errorf("message = %q", remote.Message)
	}
}

func TestSignalFanout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	obj := echoObject(t)
	if _, err := server.RegisterService(ctx, "echo", obj); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	subscribe := func() (<-chan []int32, *Session) {
		s := connectSession(t, dirURL)
		echo, err := s.Service(ctx, "echo")
		if err != nil {
			t.Fatalf("Service: %v", err)
		}
		done := make(chan []int32, 1)
		var mu sync.Mutex
		var got []int32
		_, err = echo.Subscribe(ctx, "tick", func(args []any) {
			mu.Lock()
			got = append(got, args[0].(int32))
			if len(got) == 10 {
				out := make([]int32, 10)
				copy(out, got)
				done <- out
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		return done, s
	}

	doneA, _ := subscribe()
	doneB, _ := subscribe()

	for i := int32(0); i < 10; i++ {
		if err := obj.Emit("tick", i); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	for name, done := range map[string]<-chan []int32{"A": doneA, "B": doneB} {
		select {
		case got := <-done:
			for i := int32(0); i < 10; i++ {
				if got[i] != i {
					t.Fatalf("client %s: got[%d] = %d", name, i, got[i])
				}
			}
		case <-ctx.Done():
			t.Fatalf("client %s: timed out", name)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	obj := echoObject(t)
	sid, err := server.RegisterService(ctx, "echo", obj)
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	handle, err := echo.Subscribe(ctx, "tick", func([]any) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bo, ok := server.host.object(sid, ObjectMain)
	if !ok {
		t.Fatal("bound object missing")
	}
	tick, _ := obj.MetaObject().SignalID("tick")
	if n := bo.listenerCount(tick); n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}
	if err := echo.Unsubscribe(ctx, handle); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if n := bo.listenerCount(tick); n != 0 {
		t.Fatalf("listeners after unsubscribe = %d, want 0", n)
	}
}

func TestOwnerDisconnectRemovesService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir, dirURL := startDirectory(t)

	watcher := connectSession(t, dirURL)
	removed := make(chan string, 4)
	if _, err := watcher.dirObj.Subscribe(ctx, "serviceRemoved", func(args []any) {
		removed <- args[1].(string)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	waitFor(t, 5*time.Second, "service visible", func() bool {
		return dir.ServiceCount() == 1
	})

	server.Close()

	select {
	case name := <-removed:
		if name != "echo" {
			t.Errorf("removed %q", name)
		}
	case <-ctx.Done():
		t.Fatal("serviceRemoved did not fire")
	}

	client := connectSession(t, dirURL)
	if _, err := client.Service(ctx, "echo"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestAlreadyRegistered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	a := connectSession(t, dirURL)
	if _, err := a.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	b := connectSession(t, dirURL)
	if _, err := b.RegisterService(ctx, "echo", echoObject(t)); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnregisterService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	sid, err := server.RegisterService(ctx, "echo", echoObject(t))
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if err := server.UnregisterService(ctx, sid); err != nil {
		t.Fatalf("UnregisterService: %v", err)
	}

	client := connectSession(t, dirURL)
	if _, err := client.Service(ctx, "echo"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestServicesListing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	client := connectSession(t, dirURL)
	infos, err := client.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "echo" {
		t.Fatalf("infos = %v", infos)
	}
	if len(infos[0].Endpoints) == 0 {
		t.Error("echo advertised no endpoints")
	}
}

func TestCallTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()
	if _, err := echo.Call(callCtx, "sleep"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestCallCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	fut, err := echo.CallAsync("sleep")
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	fut.Cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestPropertyGetSetAndChangeSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	client := connectSession(t, dirURL)
	echo, err := client.Service(ctx, "echo")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	v, err := echo.Property(ctx, "volume")
	if err != nil {
		t.Fatalf("Property: %v", err)
	}
	if v != int32(7) {
		t.Errorf("volume = %v, want 7", v)
	}

	changed := make(chan any, 1)
	if _, err := echo.Subscribe(ctx, "volume", func(args []any) {
		changed <- args[0]
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := echo.SetProperty(ctx, "volume", int32(42)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	select {
	case v := <-changed:
		if v != int32(42) {
			t.Errorf("change signal carried %v", v)
		}
	case <-ctx.Done():
		t.Fatal("change signal did not fire")
	}

	v, err = echo.Property(ctx, "volume")
	if err != nil {
		t.Fatalf("Property: %v", err)
	}
	if v != int32(42) {
		t.Errorf("volume = %v, want 42", v)
	}
}

func TestObjectAsArgument(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	// The service keeps the proxy passed to store and calls through it on
	// use; drop releases it.
	var mu sync.Mutex
	var stored *RemoteObject
	sb := NewObjectBuilder()
	sb.AdvertiseMethod("store", "(o)", "v", func(_ context.Context, args []any) (any, error) {
		mu.Lock()
		stored = args[0].(*RemoteObject)
		mu.Unlock()
		return nil, nil
	})
	sb.AdvertiseMethod("use", "()", "s", func(ctx context.Context, _ []any) (any, error) {
		mu.Lock()
		ro := stored
		mu.Unlock()
		return ro.Call(ctx, "name")
	})
	sb.AdvertiseMethod("drop", "()", "v", func(context.Context, []any) (any, error) {
		mu.Lock()
		ro := stored
		stored = nil
		mu.Unlock()
		ro.Release()
		return nil, nil
	})

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "keeper", sb.MustObject()); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	client := connectSession(t, dirURL)
	keeper, err := client.Service(ctx, "keeper")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	cb := NewObjectBuilder()
	cb.AdvertiseMethod("name", "()", "s", func(context.Context, []any) (any, error) {
		return "client-object", nil
	})
	local := cb.MustObject()

	baseline := keeper.ep.host.size()
	if _, err := keeper.Call(ctx, "store", local); err != nil {
		t.Fatalf("store: %v", err)
	}
	if got := keeper.ep.host.size(); got != baseline+1 {
		t.Fatalf("host size after store = %d, want %d", got, baseline+1)
	}

	out, err := keeper.Call(ctx, "use")
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if out != "client-object" {
		t.Errorf("use = %v", out)
	}

	if _, err := keeper.Call(ctx, "drop"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	// terminate is a post; the release lands asynchronously.
	waitFor(t, 5*time.Second, "host-side object release", func() bool {
		return keeper.ep.host.size() == baseline
	})
}

func TestConcurrentLookupsCoalesce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, dirURL := startDirectory(t)

	server := connectSession(t, dirURL)
	if _, err := server.RegisterService(ctx, "echo", echoObject(t)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	client := connectSession(t, dirURL)

	const n = 16
	proxies := make([]*RemoteObject, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ro, err := client.Service(ctx, "echo")
			if err != nil {
				t.Errorf("Service: %v", err)
				return
			}
			proxies[i] = ro
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if proxies[i] != proxies[0] {
			t.Fatal("concurrent lookups produced distinct proxies")
		}
	}
}
