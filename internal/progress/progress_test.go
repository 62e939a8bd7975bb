package progress

import (
	"errors"
	"testing"
	"time"
)

func TestCreateThenUpdateComputesProgressPercent(t *testing.T) {
	tr := New(time.Minute)
	job, err := tr.Create("upload-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != StatusReceived {
		t.Fatalf("expected status received, got %s", job.Status)
	}

	total := 10
	cur := 5
	updated, err := tr.Update("upload-1", Update{Status: StatusChunking, CurrentChunk: &cur, TotalChunks: &total})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ProgressPercent != 50 {
		t.Fatalf("expected progress_percent 50, got %d", updated.ProgressPercent)
	}
}

func TestProgressPercentIsMonotonic(t *testing.T) {
	tr := New(time.Minute)
	tr.Create("upload-1")
	total := 10
	for _, cur := range []int{2, 5, 3, 8} { // a regression at 3 must not lower progress_percent
		c := cur
		if _, err := tr.Update("upload-1", Update{CurrentChunk: &c, TotalChunks: &total}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	job, _ := tr.Get("upload-1")
	if job.ProgressPercent != 80 {
		t.Fatalf("expected monotonic progress_percent to hold at 80, got %d", job.ProgressPercent)
	}
}

func TestSubscribeReplaysLatestStateThenDeliversNewEvents(t *testing.T) {
	tr := New(time.Minute)
	tr.Create("upload-1")
	total := 4
	cur := 1
	tr.Update("upload-1", Update{Status: StatusChunking, CurrentChunk: &cur, TotalChunks: &total})

	sub, err := tr.Subscribe("upload-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := <-sub.Events
	if first.Status != StatusChunking || first.CurrentChunk != 1 {
		t.Fatalf("expected replayed snapshot, got %+v", first)
	}

	cur2 := 2
	tr.Update("upload-1", Update{CurrentChunk: &cur2, TotalChunks: &total})
	second := <-sub.Events
	if second.CurrentChunk != 2 {
		t.Fatalf("expected new event with CurrentChunk 2, got %+v", second)
	}
}

func TestFinishDeliversTerminalEventAndClosesSubscribers(t *testing.T) {
	tr := New(time.Minute)
	tr.Create("upload-1")
	sub, _ := tr.Subscribe("upload-1")
	<-sub.Events // drain replay

	if _, err := tr.Finish("upload-1", StatusCompleted, map[string]any{"chunks_indexed": 4}, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	final := <-sub.Events
	if final.Status != StatusCompleted || final.ProgressPercent != 100 {
		t.Fatalf("expected terminal completed event at 100%%, got %+v", final)
	}
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected subscriber channel to be closed after terminal event")
	}
}

func TestFinishFailedRecordsError(t *testing.T) {
	tr := New(time.Minute)
	tr.Create("upload-1")
	job, err := tr.Finish("upload-1", StatusFailed, nil, errors.New("embedding provider unavailable"))
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if job.Status != StatusFailed || job.Error == "" {
		t.Fatalf("expected failed status with recorded error, got %+v", job)
	}
}

func TestUnknownUploadIDReturnsUnknownError(t *testing.T) {
	tr := New(time.Minute)
	_, err := tr.Subscribe("does-not-exist")
	var pErr *ProgressError
	if !errors.As(err, &pErr) || pErr.Kind != ErrUnknown {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	tr := New(time.Minute)
	tr.Create("upload-1")
	sub, _ := tr.Subscribe("upload-1")
	<-sub.Events // drain replay so the buffer is empty before flooding it

	total := subscriberBufferSize + 5
	for i := 1; i <= total; i++ {
		cur := i
		if _, err := tr.Update("upload-1", Update{CurrentChunk: &cur, TotalChunks: &total}); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	// The updater above must never have blocked; reaching here proves it.
	if _, err := tr.Get("upload-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestEvictedJobIsUnknownAfterTTL(t *testing.T) {
	tr := New(10 * time.Millisecond)
	tr.Create("upload-1")
	tr.Finish("upload-1", StatusCompleted, nil, nil)
	time.Sleep(50 * time.Millisecond)
	_, err := tr.Subscribe("upload-1")
	var pErr *ProgressError
	if !errors.As(err, &pErr) || pErr.Kind != ErrUnknown {
		t.Fatalf("expected evicted job to be unknown, got %v", err)
	}
}
