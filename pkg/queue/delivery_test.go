package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"fetchq/internal/testutil"
	"fetchq/pkg/request"
)

func TestSerialExecutor_Order(t *testing.T) {
	e := NewSerialExecutor()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		e.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	e.Close()

	if len(got) != 100 {
		t.Fatalf("executed %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestSerialExecutor_CloseDrains(t *testing.T) {
	e := NewSerialExecutor()
	done := false
	e.Post(func() { time.Sleep(20 * time.Millisecond); done = true })
	e.Close()
	if !done {
		t.Error("Close returned before pending task ran")
	}
}

func TestDelivery_PostResponse(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()
	d := NewDelivery(e, nil)

	var got string
	r := request.NewStringRequest("GET", "http://x", func(s string) { got = s }, nil)
	d.PostResponse(r, &request.Response{Value: "hello"})

	if !testutil.Eventually(time.Second, func() bool { return r.IsFinished() }) {
		t.Fatal("request never finished")
	}
	if got != "hello" {
		t.Errorf("listener got %q, want %q", got, "hello")
	}
}

func TestDelivery_CanceledBecomesNoOpButFinishes(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()
	d := NewDelivery(e, nil)

	called := false
	r := request.NewStringRequest("GET", "http://x", func(string) { called = true }, nil)
	r.Cancel()
	d.PostResponse(r, &request.Response{Value: "hello"})

	if !testutil.Eventually(time.Second, func() bool { return r.IsFinished() }) {
		t.Fatal("canceled request never finished")
	}
	if called {
		t.Error("listener invoked after cancel")
	}
}

func TestDelivery_IntermediateDoesNotFinish(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()
	d := NewDelivery(e, nil)

	ran := make(chan struct{})
	r := request.NewStringRequest("GET", "http://x", nil, nil)
	d.PostResponseAndRun(r, &request.Response{Value: "hello", Intermediate: true},
		func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("runnable never ran")
	}
	if r.IsFinished() {
		t.Error("intermediate delivery finished the request")
	}
}

func TestDelivery_PostError(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()
	d := NewDelivery(e, nil)

	var got error
	r := request.NewStringRequest("GET", "http://x", nil, func(err error) { got = err })
	want := errors.New("boom")
	d.PostError(r, want)

	if !testutil.Eventually(time.Second, func() bool { return r.IsFinished() }) {
		t.Fatal("request never finished")
	}
	if !errors.Is(got, want) {
		t.Errorf("error listener got %v, want %v", got, want)
	}
}
