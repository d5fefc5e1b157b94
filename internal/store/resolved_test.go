package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeEndpoints is an EndpointSource whose address can be switched between
// operations. It counts pins and releases so tests can verify every
// operation lets go of its endpoint.
type fakeEndpoints struct {
	mu       sync.Mutex
	address  string
	err      error
	pins     int
	releases int
}

func (f *fakeEndpoints) Endpoint(ctx context.Context, serviceName string) (string, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	f.pins++
	return f.address, func() {
		f.mu.Lock()
		f.releases++
		f.mu.Unlock()
	}, nil
}

func (f *fakeEndpoints) setAddress(address string) {
	f.mu.Lock()
	f.address = address
	f.mu.Unlock()
}

func (f *fakeEndpoints) counts() (pins, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins, f.releases
}

// closeTracker wraps a Store and records whether Close was called.
type closeTracker struct {
	Store
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return c.Store.Close()
}

func TestResolvedStoreDelegatesAndReleasesEndpoint(t *testing.T) {
	src := &fakeEndpoints{address: "store-a:5432"}
	var opened []string
	rs, err := NewResolvedStore(src, "sessionstore", func(address string) (Store, error) {
		opened = append(opened, address)
		return NewMemoryStore(), nil
	})
	if err != nil {
		t.Fatalf("NewResolvedStore: %v", err)
	}
	ctx := context.Background()

	project, err := rs.UpsertProject(ctx, "/home/dev/workspace", "-home-dev-workspace")
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if _, err := rs.EnsureSession(ctx, "ext-session-1", project.ID); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if len(opened) != 1 || opened[0] != "store-a:5432" {
		t.Fatalf("opened = %v, want one open against store-a:5432", opened)
	}
	pins, releases := src.counts()
	if pins != 2 || releases != 2 {
		t.Fatalf("pins = %d releases = %d, want 2 and 2", pins, releases)
	}
}

func TestResolvedStoreRebuildsWhenAddressMoves(t *testing.T) {
	src := &fakeEndpoints{address: "store-a:5432"}
	stores := map[string]*closeTracker{}
	rs, err := NewResolvedStore(src, "sessionstore", func(address string) (Store, error) {
		tracked := &closeTracker{Store: NewMemoryStore()}
		stores[address] = tracked
		return tracked, nil
	})
	if err != nil {
		t.Fatalf("NewResolvedStore: %v", err)
	}
	ctx := context.Background()

	if _, err := rs.UpsertProject(ctx, "/home/dev/app", "-home-dev-app"); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}

	src.setAddress("store-b:5432")
	if _, err := rs.UpsertProject(ctx, "/home/dev/other", "-home-dev-other"); err != nil {
		t.Fatalf("UpsertProject after switch: %v", err)
	}

	if len(stores) != 2 {
		t.Fatalf("opened %d stores, want 2", len(stores))
	}
	if !stores["store-a:5432"].closed {
		t.Fatal("store for the old address was not closed after the switch")
	}
	if stores["store-b:5432"].closed {
		t.Fatal("store for the current address must stay open")
	}

	// The new backend only ever saw the post-switch write.
	paths, err := rs.CandidatePaths(ctx, "-home-dev-app")
	if err != nil {
		t.Fatalf("CandidatePaths: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("paths = %v, want none on the new backend", paths)
	}
}

func TestResolvedStoreSurfacesResolutionFailure(t *testing.T) {
	wantErr := errors.New("registry unreachable")
	src := &fakeEndpoints{err: wantErr}
	opens := 0
	rs, err := NewResolvedStore(src, "sessionstore", func(address string) (Store, error) {
		opens++
		return NewMemoryStore(), nil
	})
	if err != nil {
		t.Fatalf("NewResolvedStore: %v", err)
	}

	if _, err := rs.UpsertProject(context.Background(), "/home/dev/app", "-home-dev-app"); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if opens != 0 {
		t.Fatalf("open called %d times, want 0", opens)
	}
}

func TestResolvedStoreReleasesEndpointWhenOpenFails(t *testing.T) {
	src := &fakeEndpoints{address: "store-a:5432"}
	wantErr := errors.New("dial failed")
	rs, err := NewResolvedStore(src, "sessionstore", func(address string) (Store, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("NewResolvedStore: %v", err)
	}

	if _, err := rs.UpsertProject(context.Background(), "/home/dev/app", "-home-dev-app"); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if pins, releases := src.counts(); pins != 1 || releases != 1 {
		t.Fatalf("pins = %d releases = %d, want the pin released on open failure", pins, releases)
	}
}

func TestNewResolvedStoreValidatesInput(t *testing.T) {
	open := func(address string) (Store, error) { return NewMemoryStore(), nil }
	if _, err := NewResolvedStore(nil, "sessionstore", open); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil source: err = %v, want ErrInvalidInput", err)
	}
	if _, err := NewResolvedStore(&fakeEndpoints{}, "  ", open); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank service: err = %v, want ErrInvalidInput", err)
	}
	if _, err := NewResolvedStore(&fakeEndpoints{}, "sessionstore", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil open: err = %v, want ErrInvalidInput", err)
	}
}
