package audit

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/session"
)

func newTestWriter(t *testing.T, storeRaw, compress bool) *Writer {
	t.Helper()
	w, err := NewWriter(nil, 10, 4, time.Second, storeRaw, compress, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w
}

func TestNewWriter_NilPoolDropsEvents(t *testing.T) {
	w := newTestWriter(t, true, false)
	// With a nil pool, OnStateChange must not block or panic.
	w.OnStateChange("peer1", session.Idle, session.Connect)
	if len(w.events) != 0 {
		t.Errorf("expected no events queued for a nil-pool writer, got %d", len(w.events))
	}
}

func TestMaybeCompress_StoreRawDisabled(t *testing.T) {
	w := newTestWriter(t, false, false)
	if got := w.maybeCompress([]byte("hello")); got != nil {
		t.Errorf("expected nil when storeRaw is disabled, got %v", got)
	}
}

func TestMaybeCompress_NoCompression(t *testing.T) {
	w := newTestWriter(t, true, false)
	got := w.maybeCompress([]byte("hello"))
	if string(got) != "hello" {
		t.Errorf("expected raw passthrough, got %v", got)
	}
}

func TestMaybeCompress_Zstd(t *testing.T) {
	w := newTestWriter(t, true, true)
	got := w.maybeCompress([]byte("hello world hello world hello world"))
	if len(got) == 0 {
		t.Fatal("expected non-empty compressed output")
	}
	// zstd frames start with the magic number 0x28 0xB5 0x2F 0xFD.
	if got[0] != 0x28 || got[1] != 0xB5 {
		t.Errorf("expected zstd magic prefix, got % x", got[:4])
	}
}

func TestNilIfZero(t *testing.T) {
	if v := nilIfZero(uint8(0)); v != nil {
		t.Errorf("expected nil for zero value, got %v", v)
	}
	if v := nilIfZero(uint8(3)); v != uint8(3) {
		t.Errorf("expected 3, got %v", v)
	}
}

func TestNilIfEmpty(t *testing.T) {
	if v := nilIfEmpty(nil); v != nil {
		t.Errorf("expected nil for empty slice, got %v", v)
	}
	if v := nilIfEmpty([]byte("x")); v == nil {
		t.Error("expected non-nil for non-empty slice")
	}
}

func TestWriter_ImplementsNotifier(t *testing.T) {
	w := newTestWriter(t, true, false)
	w.OnNotifySent("peer1", bgperr.NewNotify(bgperr.CodeHoldExpired, bgperr.SubHoldExpired))
	w.OnNotifyReceived("peer1", bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr))
	w.OnMessageSent("peer1", 4)
	w.OnMessageReceived("peer1", 2)
	w.OnBacklogKilled("peer1", 16000)
	// pool is nil, so every call above must be a no-op rather than panic.
}
