// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type recordingHandler struct {
	NopHandler
	seen []string
}

func (h *recordingHandler) Completed(e Completed) {
	h.seen = append(h.seen, "completed:"+e.ExecutionID)
}

func (h *recordingHandler) RecoveryRequested(e RecoveryRequested) {
	h.seen = append(h.seen, "recovery:"+e.Question)
}

func TestDispatchRoutesToMatchingMethod(t *testing.T) {
	h := &recordingHandler{}
	Dispatch(Completed{ExecutionID: "e1"}, h)
	Dispatch(RecoveryRequested{Question: "which one?"}, h)
	Dispatch(StepCompleted{StepIndex: 1}, h)

	if len(h.seen) != 2 {
		t.Fatalf("expected 2 handled events got %d (%v)", len(h.seen), h.seen)
	}
	if h.seen[0] != "completed:e1" || h.seen[1] != "recovery:which one?" {
		t.Fatalf("unexpected dispatch order %v", h.seen)
	}
}

func TestEveryVariantHasDistinctType(t *testing.T) {
	all := []Event{
		RecordingStarted{}, RecordingResumed{}, StepCaptured{}, StepSubmitFailed{},
		RecordingStopped{}, ExecutionStarted{}, TransientStatus{}, RecoveryRequested{},
		RecoveryResolved{}, ActionSkipped{}, StepCompleted{}, Completed{}, Stopped{}, Failed{},
	}
	seen := map[Type]bool{}
	for _, ev := range all {
		if seen[ev.Type()] {
			t.Fatalf("duplicate event type %q", ev.Type())
		}
		seen[ev.Type()] = true
		// must not panic
		Dispatch(ev, NopHandler{})
	}
}

func TestBusFanOutAndHistory(t *testing.T) {
	bus := NewBus(2)
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)

	bus.Publish(StepCompleted{ExecutionID: "e", StepIndex: 0})
	cancelB()
	bus.Publish(StepCompleted{ExecutionID: "e", StepIndex: 1})
	bus.Publish(Completed{ExecutionID: "e"})

	for i := 1; i <= 3; i++ {
		select {
		case env := <-a:
			if env.Seq != int64(i) {
				t.Fatalf("expected seq %d got %d", i, env.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber a missed event %d", i)
		}
	}

	got := 0
	for range b {
		got++
	}
	if got != 1 {
		t.Fatalf("expected cancelled subscriber to see 1 event got %d", got)
	}

	hist := bus.Since(0)
	if len(hist) != 2 {
		t.Fatalf("expected history capped at 2 got %d", len(hist))
	}
	if hist[0].Seq != 2 || hist[1].Type != TypeCompleted {
		t.Fatalf("unexpected history %+v", hist)
	}
	if len(bus.Since(3)) != 0 {
		t.Fatalf("expected nothing after last seq")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(0)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TransientStatus{Attempt: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if bus.LastSeq() != 10 {
		t.Fatalf("expected seq 10 got %d", bus.LastSeq())
	}
}

func TestBusAttachedHandlerRuns(t *testing.T) {
	bus := NewBus(0)
	h := &recordingHandler{}
	bus.Attach(h)
	bus.Publish(Completed{ExecutionID: "x"})
	if len(h.seen) != 1 {
		t.Fatalf("expected attached handler to run got %v", h.seen)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{Seq: 7, Type: TypeFailed, At: time.Unix(0, 0).UTC(), Event: Failed{ExecutionID: "e", Error: "boom"}}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"seq":7`, `"type":"execution.failed"`, `"data":{`, `"error":"boom"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %s in %s", want, s)
		}
	}
}
