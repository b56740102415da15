package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func mustRegister(t *testing.T, r *Registry, key string) (*Stream, io.Writer) {
	t.Helper()
	s, w, err := r.Register(key, OriginListen)
	if err != nil {
		t.Fatalf("Register(%q): %v", key, err)
	}
	return s, w
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w := mustRegister(t, r, "cam1")
	if stream.Key != "cam1" || stream.Origin != OriginListen {
		t.Fatalf("got %+v", stream)
	}
	if w == nil {
		t.Fatal("writer is nil")
	}
	got, ok := r.Get("cam1")
	if !ok || got != stream {
		t.Fatal("Get did not return the registered stream")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	mustRegister(t, r, "cam1")
	if _, _, err := r.Register("cam1", OriginPull); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}

	r.Unregister("cam1")
	mustRegister(t, r, "cam1")
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := mustRegister(t, r, "cam1")
	r.Unregister("cam1")
	r.Unregister("cam1")

	buf := make([]byte, 1)
	if _, err := stream.Input().Read(buf); err != io.EOF {
		t.Fatalf("got %v, want EOF", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestRegistryDeliversBytes(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	r := NewRegistry(func(s *Stream) {
		data, _ := io.ReadAll(s.Input())
		got <- data
	})
	_, w := mustRegister(t, r, "cam1")
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	r.Unregister("cam1")

	select {
	case data := <-got:
		if string(data) != "payload" {
			t.Errorf("got %q, want %q", data, "payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream consumer did not finish")
	}
}

func TestStreamStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := mustRegister(t, r, "cam1")
	stream.RecordRead(100)
	stream.RecordRead(200)
	stream.SetRemoteAddr("192.168.1.1:5000")

	st := stream.Stats()
	if st.BytesReceived != 300 || st.ReadCount != 2 {
		t.Errorf("counters: got %d bytes in %d reads, want 300 in 2", st.BytesReceived, st.ReadCount)
	}
	if st.RemoteAddr != "192.168.1.1:5000" || st.Origin != "listen" || st.ConnectedAt == 0 {
		t.Errorf("got %+v", st)
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	mustRegister(t, r, "b")
	mustRegister(t, r, "a")
	list := r.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].Key != "b" {
		t.Fatalf("got %+v, want a then b", list)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", i)
			if _, _, err := r.Register(key, OriginListen); err != nil {
				t.Error(err)
				return
			}
			r.Get(key)
			r.List()
			r.Unregister(key)
		}()
	}
	wg.Wait()
}
