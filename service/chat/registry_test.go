package chat

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type stubSub struct {
	id   string
	got  atomic.Int64
	full bool
	mu   sync.Mutex
	evs  []int64
}

func (s *stubSub) ID() string { return s.id }

func (s *stubSub) Deliver(ev *Event) bool {
	if s.full {
		return false
	}
	s.got.Add(1)
	s.mu.Lock()
	s.evs = append(s.evs, ev.ID)
	s.mu.Unlock()
	return true
}

func (s *stubSub) events() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.evs...)
}

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	a, b := &stubSub{id: "a"}, &stubSub{id: "b"}

	if !r.Join("chat:1", a) {
		t.Fatalf("first join reported existing")
	}
	if r.Join("chat:1", a) {
		t.Fatalf("second join reported new")
	}
	r.Join("chat:1", b)
	r.Join("user:1", a)

	if n := len(r.MembersOf("chat:1")); n != 2 {
		t.Fatalf("members = %d", n)
	}
	if diff := cmp.Diff([]string{"chat:1", "user:1"}, r.Topics(a)); diff != "" {
		t.Fatalf("topics (-want +got):\n%s", diff)
	}
	if !r.Leave("chat:1", a) || r.Leave("chat:1", a) {
		t.Fatalf("leave not idempotent")
	}
	if diff := cmp.Diff([]string{"user:1"}, r.LeaveAll(a)); diff != "" {
		t.Fatalf("LeaveAll (-want +got):\n%s", diff)
	}
	if r.LeaveAll(a) != nil {
		t.Fatalf("second LeaveAll left topics")
	}
	r.Leave("chat:1", b)
	if r.Len() != 0 {
		t.Fatalf("empty topics kept: %d", r.Len())
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	const subs, topics = 32, 16
	var wg sync.WaitGroup
	for i := 0; i < subs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &stubSub{id: strconv.Itoa(i)}
			for j := 0; j < topics; j++ {
				r.Join("chat:"+strconv.Itoa(j), s)
				_ = r.MembersOf("chat:" + strconv.Itoa((j+1)%topics))
			}
			if i%2 == 0 {
				r.LeaveAll(s)
			}
		}(i)
	}
	wg.Wait()
	for j := 0; j < topics; j++ {
		if n := len(r.MembersOf("chat:" + strconv.Itoa(j))); n != subs/2 {
			t.Fatalf("topic %d has %d members, want %d", j, n, subs/2)
		}
	}
}
