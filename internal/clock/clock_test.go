package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)
	tk := f.NewTicker(5 * time.Second)
	defer tk.Stop()

	f.Advance(4 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-tk.C():
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("ticker did not fire after its period elapsed")
	}
	assert.Equal(t, start.Add(5*time.Second), f.Now())
}

func TestFakeTickerStopped(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Second)
	tk.Stop()
	f.Advance(10 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
