package iodriver

import (
	"testing"
	"time"
)

func TestClockNoHeartbeatNeverFires(t *testing.T) {
	c := NewClock(0)
	if err, send := c.Check(time.Now().Add(time.Hour)); err != nil || send {
		t.Fatalf("expected heartbeat disabled to never fire, got err=%v send=%v", err, send)
	}
}

func TestClockShouldSendAfterHalfInterval(t *testing.T) {
	c := NewClock(10 * time.Second)
	now := time.Now()
	c.MarkRead(now)
	c.MarkWrite(now)

	err, send := c.Check(now.Add(6 * time.Second))
	if err != nil {
		t.Fatalf("unexpected missed error: %v", err)
	}
	if !send {
		t.Fatalf("expected shouldSend after > heartbeat/2 silence")
	}
}

func TestClockMissedAfterDoubleIntervalPlusOne(t *testing.T) {
	c := NewClock(10 * time.Second)
	now := time.Now()
	c.MarkRead(now)
	c.MarkWrite(now)

	err, _ := c.Check(now.Add(22 * time.Second))
	if err == nil {
		t.Fatalf("expected HeartbeatMissed after > 2*heartbeat+1 silence")
	}
}

func TestClockMarkWriteResetsSendThreshold(t *testing.T) {
	c := NewClock(10 * time.Second)
	now := time.Now()
	c.MarkRead(now)
	c.MarkWrite(now)
	c.MarkWrite(now.Add(6 * time.Second))

	if _, send := c.Check(now.Add(7 * time.Second)); send {
		t.Fatalf("expected no send immediately after a fresh write")
	}
}
