package conn_test

import (
	"testing"
	"time"

	"github.com/eventcore/eventserver/internal/conn"
	"github.com/eventcore/eventserver/internal/model"
)

func TestQueueWriteRejectsOverflow(t *testing.T) {
	t.Parallel()

	c := conn.New(1, 0, "127.0.0.1:1", 10, time.Now())
	if err := c.QueueWrite(make([]byte, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.QueueWrite(make([]byte, 6)); err != model.ErrBackpressured {
		t.Fatalf("err = %v, want ErrBackpressured", err)
	}
}

func TestAdvanceWriteCompactsOnFullDrain(t *testing.T) {
	t.Parallel()

	c := conn.New(1, 0, "127.0.0.1:1", 0, time.Now())
	if err := c.QueueWrite([]byte("hello")); err != nil {
		t.Fatalf("QueueWrite: %v", err)
	}
	c.AdvanceWrite(3)
	if !c.HasPendingWrite() {
		t.Fatal("expected pending bytes after partial write")
	}
	if got := string(c.PendingBytes()); got != "lo" {
		t.Fatalf("pending = %q, want lo", got)
	}
	c.AdvanceWrite(2)
	if c.HasPendingWrite() {
		t.Fatal("expected no pending bytes after full drain")
	}
}

func TestLowWaterMetWithUnboundedBuffer(t *testing.T) {
	t.Parallel()

	c := conn.New(1, 0, "127.0.0.1:1", 0, time.Now())
	if !c.LowWaterMet() {
		t.Fatal("an unbounded write buffer should always report low water met")
	}
}

func TestLowWaterMetThreshold(t *testing.T) {
	t.Parallel()

	c := conn.New(1, 0, "127.0.0.1:1", 10, time.Now())
	if err := c.QueueWrite(make([]byte, 8)); err != nil {
		t.Fatalf("QueueWrite: %v", err)
	}
	if c.LowWaterMet() {
		t.Fatal("8/10 bytes pending should not yet meet the 50% low water mark")
	}
	c.AdvanceWrite(4)
	if !c.LowWaterMet() {
		t.Fatal("4/10 bytes pending should meet the 50% low water mark")
	}
}

func TestAttrBag(t *testing.T) {
	t.Parallel()

	c := conn.New(1, 0, "127.0.0.1:1", 0, time.Now())
	if _, ok := c.GetAttr("auth.userId"); ok {
		t.Fatal("expected no value before SetAttr")
	}
	c.SetAttr("auth.userId", "u-1")
	v, ok := c.GetAttr("auth.userId")
	if !ok || v != "u-1" {
		t.Fatalf("GetAttr = %v, %v; want u-1, true", v, ok)
	}
}

func TestComputeAcceptKeyKnownVector(t *testing.T) {
	t.Parallel()

	// RFC 6455 §1.3 worked example.
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := conn.ComputeAcceptKey(key); got != want {
		t.Fatalf("ComputeAcceptKey(%q) = %q, want %q", key, got, want)
	}
}
