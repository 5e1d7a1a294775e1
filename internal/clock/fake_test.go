package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceDeliversTicks(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	tk := f.NewTicker(time.Minute)
	f.Advance(3*time.Minute + time.Second)

	for i := 0; i < 3; i++ {
		select {
		case <-tk.C():
		default:
			t.Fatalf("expected tick %d", i+1)
		}
	}
	select {
	case <-tk.C():
		t.Fatal("unexpected fourth tick")
	default:
	}
	assert.Equal(t, start.Add(3*time.Minute+time.Second), f.Now())
}

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	f := NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))

	var order []int
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	f.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := f.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	assert.True(t, stopped.Stop())

	f.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
}

func TestFakeTimerCanScheduleMore(t *testing.T) {
	f := NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))

	fired := 0
	f.AfterFunc(time.Second, func() {
		fired++
		f.AfterFunc(time.Second, func() { fired++ })
	})
	f.Advance(3 * time.Second)
	assert.Equal(t, 2, fired, "a timer scheduled from a callback still fires within the advance")
}
