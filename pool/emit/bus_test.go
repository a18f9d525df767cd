package emit

import (
	"fmt"
	"sync"
	"testing"
)

func TestBusSubscribe(t *testing.T) {
	t.Run("named subscription receives only its events", func(t *testing.T) {
		bus := NewBus()
		var got []string
		bus.Subscribe(JobCompleted, func(ev Event) {
			got = append(got, ev.JobID)
		})

		bus.Emit(Event{Name: JobQueued, JobID: "a"})
		bus.Emit(Event{Name: JobCompleted, JobID: "b"})
		bus.Emit(Event{Name: JobFailed, JobID: "c"})

		if len(got) != 1 || got[0] != "b" {
			t.Errorf("handler saw %v, want [b]", got)
		}
	})

	t.Run("wildcard receives everything", func(t *testing.T) {
		bus := NewBus()
		var names []string
		bus.Subscribe("*", func(ev Event) {
			names = append(names, ev.Name)
		})

		bus.Emit(Event{Name: JobQueued})
		bus.Emit(Event{Name: BackendState})
		bus.Emit(Event{Name: PoolReady})

		want := []string{JobQueued, BackendState, PoolReady}
		if len(names) != len(want) {
			t.Fatalf("wildcard saw %d events, want %d", len(names), len(want))
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("event[%d] = %q, want %q", i, names[i], want[i])
			}
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		bus := NewBus()
		count := 0
		unsub := bus.Subscribe(JobQueued, func(Event) { count++ })

		bus.Emit(Event{Name: JobQueued})
		unsub()
		bus.Emit(Event{Name: JobQueued})

		if count != 1 {
			t.Errorf("handler ran %d times, want 1", count)
		}

		// A second unsubscribe is a no-op.
		unsub()
		bus.Emit(Event{Name: JobQueued})
		if count != 1 {
			t.Errorf("handler ran %d times after double unsubscribe, want 1", count)
		}
	})

	t.Run("emission order preserved per subscriber", func(t *testing.T) {
		bus := NewBus()
		var order []int
		bus.Subscribe(JobProgress, func(ev Event) {
			order = append(order, ev.Value)
		})

		for i := 0; i < 50; i++ {
			bus.Emit(Event{Name: JobProgress, Value: i})
		}
		for i, v := range order {
			if v != i {
				t.Fatalf("order[%d] = %d, want %d", i, v, i)
			}
		}
	})

	t.Run("subscribing inside a handler does not deadlock", func(t *testing.T) {
		bus := NewBus()
		bus.Subscribe(JobQueued, func(Event) {
			bus.Subscribe(JobCompleted, func(Event) {})
		})
		bus.Emit(Event{Name: JobQueued})
	})
}

func TestBusConcurrentEmit(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	seen := 0
	bus.Subscribe("*", func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Emit(Event{Name: JobProgress, JobID: fmt.Sprintf("g%d", g), Value: i})
			}
		}(g)
	}
	wg.Wait()

	if seen != 800 {
		t.Errorf("saw %d events, want 800", seen)
	}
}

func TestMultiEmitter(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := MultiEmitter{a, b}

	multi.Emit(Event{Name: JobQueued, JobID: "x"})

	if len(a.History("x")) != 1 || len(b.History("x")) != 1 {
		t.Error("MultiEmitter did not fan out to every emitter")
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{Name: JobQueued, JobID: "j1"})
	emitter.Emit(Event{Name: JobStarted, JobID: "j1", BackendID: "b1"})
	emitter.Emit(Event{Name: JobProgress, JobID: "j1", NodeID: "5", Value: 3, Max: 10})
	emitter.Emit(Event{Name: JobCompleted, JobID: "j1"})
	emitter.Emit(Event{Name: JobQueued, JobID: "j2"})

	t.Run("history is per job in order", func(t *testing.T) {
		history := emitter.History("j1")
		want := []string{JobQueued, JobStarted, JobProgress, JobCompleted}
		if len(history) != len(want) {
			t.Fatalf("History(j1) has %d events, want %d", len(history), len(want))
		}
		for i := range want {
			if history[i].Name != want[i] {
				t.Errorf("History(j1)[%d] = %q, want %q", i, history[i].Name, want[i])
			}
		}
	})

	t.Run("filter by name and node", func(t *testing.T) {
		filtered := emitter.HistoryWithFilter("j1", HistoryFilter{Name: JobProgress, NodeID: "5"})
		if len(filtered) != 1 || filtered[0].Value != 3 {
			t.Errorf("HistoryWithFilter() = %v, want one progress event", filtered)
		}
	})

	t.Run("clear one job", func(t *testing.T) {
		emitter.Clear("j1")
		if len(emitter.History("j1")) != 0 {
			t.Error("Clear(j1) left events behind")
		}
		if len(emitter.History("j2")) != 1 {
			t.Error("Clear(j1) touched j2")
		}
	})
}
