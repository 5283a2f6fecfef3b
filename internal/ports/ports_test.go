package ports

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/testutil"
)

func TestParseForwardPorts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{
			name: "plain json",
			raw:  `{"forwardPorts": [3000, 8080]}`,
			want: []int{3000, 8080},
		},
		{
			name: "comments and trailing comma",
			raw: `{
	// dev server plus api
	"forwardPorts": [5173, 4000,],
}`,
			want: []int{5173, 4000},
		},
		{
			name: "numeric strings accepted",
			raw:  `{"forwardPorts": ["9000", 3000]}`,
			want: []int{9000, 3000},
		},
		{
			name: "host-qualified strings skipped",
			raw:  `{"forwardPorts": ["db:5432", 3000]}`,
			want: []int{3000},
		},
		{
			name: "no forwardPorts key",
			raw:  `{"name": "widget"}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseForwardPorts([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parseForwardPorts() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseForwardPorts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseForwardPortsRejectsGarbage(t *testing.T) {
	if _, err := parseForwardPorts([]byte("not json at all {{{")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestForwardPortsMissingFile(t *testing.T) {
	fake := testutil.NewFakeProvider(provider.KindMorph)
	id := fake.SeedRunning("t1")
	fake.ExecFunc = func(context.Context, string, string) (*provider.ExecResult, error) {
		return &provider.ExecResult{Stdout: ""}, nil
	}

	got, err := NewPublisher(zap.NewNop()).ForwardPorts(context.Background(), fake, id)
	if err != nil {
		t.Fatalf("ForwardPorts() error: %v", err)
	}
	if got != nil {
		t.Fatalf("ForwardPorts() = %v, want nil", got)
	}
}

func TestForwardPortsFromInstance(t *testing.T) {
	fake := testutil.NewFakeProvider(provider.KindMorph)
	id := fake.SeedRunning("t1")
	fake.ExecFunc = func(_ context.Context, _, command string) (*provider.ExecResult, error) {
		return &provider.ExecResult{Stdout: `{"forwardPorts": [3000, 5173]}`}, nil
	}

	got, err := NewPublisher(zap.NewNop()).ForwardPorts(context.Background(), fake, id)
	if err != nil {
		t.Fatalf("ForwardPorts() error: %v", err)
	}
	if !reflect.DeepEqual(got, []int{3000, 5173}) {
		t.Fatalf("ForwardPorts() = %v", got)
	}
}

func TestDesired(t *testing.T) {
	tests := []struct {
		name     string
		env, dev []int
		want     []int
	}{
		{
			name: "environment wins",
			env:  []int{9000, 8080},
			dev:  []int{3000},
			want: []int{8080, 9000},
		},
		{
			name: "falls back to devcontainer",
			env:  nil,
			dev:  []int{5173, 3000},
			want: []int{3000, 5173},
		},
		{
			name: "reserved and invalid dropped",
			env:  []int{provider.CodeEditorPort, 0, 70000, 8080, provider.WorkerPort},
			want: []int{8080},
		},
		{
			name: "deduped and sorted",
			env:  []int{4000, 3000, 4000, 3000},
			want: []int{3000, 4000},
		},
		{
			name: "empty both",
			want: []int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Desired(tt.env, tt.dev)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Desired(%v, %v) = %v, want %v", tt.env, tt.dev, got, tt.want)
			}
		})
	}
}

func seedWithPorts(fake *testutil.FakeProvider, teamID string, ports ...int) string {
	id := fake.SeedRunning(teamID)
	for _, port := range ports {
		_, _ = fake.ExposeHTTPService(context.Background(), id, userName(port), port)
	}
	return id
}

func userName(port int) string { return provider.UserPortPrefix + strconv.Itoa(port) }

func portsOf(services []provider.HTTPService) []int {
	out := make([]int, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.Port)
	}
	return out
}

func TestReconcileConverges(t *testing.T) {
	for _, kind := range []provider.Kind{provider.KindMorph, provider.KindPveLxc} {
		t.Run(string(kind), func(t *testing.T) {
			fake := testutil.NewFakeProvider(kind)
			id := seedWithPorts(fake, "t1", 3000, 4000)
			inst := fake.Instance(id)

			services, err := NewPublisher(zap.NewNop()).Reconcile(context.Background(), fake, inst, []int{4000, 5173})
			if err != nil {
				t.Fatalf("Reconcile() error: %v", err)
			}
			if got := portsOf(services); !reflect.DeepEqual(got, []int{4000, 5173}) {
				t.Fatalf("resulting ports = %v, want [4000 5173]", got)
			}
			if !reflect.DeepEqual(fake.HideCalls, []string{"port-3000"}) {
				t.Fatalf("HideCalls = %v", fake.HideCalls)
			}

			stored := fake.Instance(id)
			if got := portsOf(UserServices(stored.HTTPServices)); !reflect.DeepEqual(got, []int{4000, 5173}) {
				t.Fatalf("provider state = %v, want [4000 5173]", got)
			}
		})
	}
}

func TestReconcileLeavesFixedServicesAlone(t *testing.T) {
	fake := testutil.NewFakeProvider(provider.KindMorph)
	id := seedWithPorts(fake, "t1", 3000)
	inst := fake.Instance(id)

	if _, err := NewPublisher(zap.NewNop()).Reconcile(context.Background(), fake, inst, nil); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	stored := fake.Instance(id)
	if _, ok := stored.Service(provider.ServiceCodeEditor); !ok {
		t.Fatal("code-editor service was hidden")
	}
	if _, ok := stored.Service(provider.ServiceWorker); !ok {
		t.Fatal("worker service was hidden")
	}
	if got := UserServices(stored.HTTPServices); len(got) != 0 {
		t.Fatalf("user services = %v, want none", got)
	}
}

func TestReconcileExposeFailureIsPartial(t *testing.T) {
	fake := testutil.NewFakeProvider(provider.KindPveLxc)
	id := seedWithPorts(fake, "t1")
	fake.ExposeErrs = map[int]error{5173: errors.New("port busy")}
	inst := fake.Instance(id)

	services, err := NewPublisher(zap.NewNop()).Reconcile(context.Background(), fake, inst, []int{3000, 5173, 8080})
	if err == nil {
		t.Fatal("expected expose failure to surface")
	}
	// The other ports still went through.
	if got := portsOf(services); !reflect.DeepEqual(got, []int{3000, 8080}) {
		t.Fatalf("resulting ports = %v, want [3000 8080]", got)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	fake := testutil.NewFakeProvider(provider.KindPveLxc)
	id := seedWithPorts(fake, "t1", 8080)
	inst := fake.Instance(id)

	pub := NewPublisher(zap.NewNop())
	if _, err := pub.Reconcile(context.Background(), fake, inst, []int{8080}); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if len(fake.HideCalls) != 0 {
		t.Fatalf("HideCalls = %v, want none", fake.HideCalls)
	}
	// Seeding exposed once; reconcile should not have exposed again.
	if got := len(fake.ExposeCalls); got != 1 {
		t.Fatalf("ExposeCalls = %d, want 1 (the seed)", got)
	}
}

func TestTaskRunEntries(t *testing.T) {
	entries := TaskRunEntries([]provider.HTTPService{
		{Name: "port-3000", Port: 3000, URL: "https://a"},
		{Name: "port-5173", Port: 5173, URL: "https://b"},
	})
	if len(entries) != 2 {
		t.Fatalf("len = %d", len(entries))
	}
	for i, want := range []int{3000, 5173} {
		if entries[i].Status != "running" || entries[i].Port != want || entries[i].URL == "" {
			t.Fatalf("entry %d = %+v", i, entries[i])
		}
	}
}
