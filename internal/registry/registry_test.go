package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type recorderConn struct {
	mu     sync.Mutex
	events []models.Event
	fail   bool
	closed bool
}

func (c *recorderConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.events = append(c.events, v.(models.Event))
	return nil
}

func (c *recorderConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recorderConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestSendToUserFansOutToAllSessions(t *testing.T) {
	r := New()
	c1, c2 := &recorderConn{}, &recorderConn{}
	r.Add("u1", c1)
	r.Add("u1", c2)
	r.Add("u2", &recorderConn{})

	if err := r.SendToUser("u1", models.Event{Type: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c1.count() != 1 || c2.count() != 1 {
		t.Fatalf("multi-device fan-out missed a session: %d, %d", c1.count(), c2.count())
	}
}

func TestSendToUserNoSession(t *testing.T) {
	r := New()
	if err := r.SendToUser("ghost", models.Event{Type: "x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSendToUserAllWritesFail(t *testing.T) {
	r := New()
	r.Add("u1", &recorderConn{fail: true})
	if err := r.SendToUser("u1", models.Event{Type: "x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession when nothing delivered, got %v", err)
	}
}

func TestRemovePrunesUserAndRooms(t *testing.T) {
	r := New()
	c := &recorderConn{}
	s := r.Add("u1", c)
	r.JoinRoom(s, "ride-1")

	r.Remove(s)
	if got := r.ConnectionsFor("u1"); len(got) != 0 {
		t.Fatalf("sessions remain after remove: %d", len(got))
	}
	if r.Count() != 0 {
		t.Fatalf("count != 0 after remove")
	}
	// room fan-out must not reach a removed session
	r.BroadcastToRoom("ride-1", models.Event{Type: "x"})
	if c.count() != 0 {
		t.Fatal("removed session still received room broadcast")
	}
}

func TestBroadcastToRoom(t *testing.T) {
	r := New()
	in1, in2, out := &recorderConn{}, &recorderConn{}, &recorderConn{}
	s1 := r.Add("u1", in1)
	s2 := r.Add("u2", in2)
	r.Add("u3", out)
	r.JoinRoom(s1, "ride-9")
	r.JoinRoom(s2, "ride-9")

	r.BroadcastToRoom("ride-9", models.Event{Type: "update"})
	if in1.count() != 1 || in2.count() != 1 {
		t.Fatalf("room members missed broadcast: %d, %d", in1.count(), in2.count())
	}
	if out.count() != 0 {
		t.Fatal("non-member received room broadcast")
	}
}

func TestConcurrentAddRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%10)
			s := r.Add(user, &recorderConn{})
			r.JoinRoom(s, "shared")
			_ = r.SendToUser(user, models.Event{Type: "ping"})
			r.Remove(s)
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("registry leaked sessions: %d", r.Count())
	}
}
