package relay

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap/zaptest"
)

type recordedFrame struct {
	kind     string
	streamID string
	audio    []byte
}

type fakeTelephony struct {
	frames []recordedFrame
	err    error
}

func (f *fakeTelephony) SendMedia(streamID string, audio []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, recordedFrame{kind: "media", streamID: streamID, audio: audio})
	return nil
}

func (f *fakeTelephony) SendClear(streamID string) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, recordedFrame{kind: "clear", streamID: streamID})
	return nil
}

type fakeEngine struct {
	chunks [][]byte
	err    error
}

func (f *fakeEngine) SendAudio(audio []byte) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, audio)
	return nil
}

func TestRelay_ToEnginePreservesOrder(t *testing.T) {
	tel := &fakeTelephony{}
	eng := &fakeEngine{}
	stats := &Stats{}
	r := New("CA1", tel, stats, zaptest.NewLogger(t))
	r.AttachEngine(eng)

	for i := 0; i < 50; i++ {
		if !r.ToEngine([]byte{byte(i)}) {
			t.Fatalf("chunk %d not forwarded", i)
		}
	}
	if len(eng.chunks) != 50 {
		t.Fatalf("forwarded=%d, want 50", len(eng.chunks))
	}
	for i, c := range eng.chunks {
		if c[0] != byte(i) {
			t.Fatalf("chunk %d out of order: %v", i, c)
		}
	}
	if stats.FromTelephony.Load() != 50 || stats.ToEngine.Load() != 50 || stats.Dropped.Load() != 0 {
		t.Fatalf("stats from=%d to=%d dropped=%d", stats.FromTelephony.Load(), stats.ToEngine.Load(), stats.Dropped.Load())
	}
}

func TestRelay_DropsWithoutEngine(t *testing.T) {
	stats := &Stats{}
	r := New("CA1", &fakeTelephony{}, stats, zaptest.NewLogger(t))
	if r.ToEngine([]byte{1}) {
		t.Fatalf("chunk must be dropped without an engine")
	}

	eng := &fakeEngine{err: errors.New("not ready")}
	r.AttachEngine(eng)
	if r.ToEngine([]byte{2}) {
		t.Fatalf("chunk must be dropped when engine rejects it")
	}
	r.DetachEngine()
	if r.ToEngine([]byte{3}) {
		t.Fatalf("chunk must be dropped after detach")
	}
	if stats.Dropped.Load() != 3 || stats.ToEngine.Load() != 0 {
		t.Fatalf("dropped=%d toEngine=%d", stats.Dropped.Load(), stats.ToEngine.Load())
	}
}

func TestRelay_ToTelephonyRequiresStreamID(t *testing.T) {
	tel := &fakeTelephony{}
	stats := &Stats{}
	r := New("CA1", tel, stats, zaptest.NewLogger(t))

	if r.ToTelephony("", []byte{1}) {
		t.Fatalf("chunk must be dropped without stream id")
	}
	if !r.ToTelephony("MZ1", []byte{2}) {
		t.Fatalf("chunk should be forwarded")
	}
	if len(tel.frames) != 1 || tel.frames[0].streamID != "MZ1" || tel.frames[0].audio[0] != 2 {
		t.Fatalf("frames=%+v", tel.frames)
	}
	if stats.FromEngine.Load() != 2 || stats.ToTelephony.Load() != 1 || stats.Dropped.Load() != 1 {
		t.Fatalf("stats fromEngine=%d toTelephony=%d dropped=%d", stats.FromEngine.Load(), stats.ToTelephony.Load(), stats.Dropped.Load())
	}
}

func TestRelay_InterruptClearsBeforeLaterAudio(t *testing.T) {
	tel := &fakeTelephony{}
	stats := &Stats{}
	r := New("CA1", tel, stats, zaptest.NewLogger(t))

	r.ToTelephony("MZ1", []byte("stale-1"))
	r.ToTelephony("MZ1", []byte("stale-2"))
	if !r.Interrupt("MZ1") {
		t.Fatalf("interrupt should send clear")
	}
	r.ToTelephony("MZ1", []byte("fresh"))

	var got []string
	for _, f := range tel.frames {
		if f.kind == "clear" {
			got = append(got, "clear")
			continue
		}
		got = append(got, string(f.audio))
	}
	want := []string{"stale-1", "stale-2", "clear", "fresh"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("frames=%v, want %v", got, want)
	}
	if stats.Interruptions.Load() != 1 {
		t.Fatalf("interruptions=%d", stats.Interruptions.Load())
	}
}

func TestRelay_InterruptWithoutStream(t *testing.T) {
	tel := &fakeTelephony{}
	stats := &Stats{}
	r := New("CA1", tel, stats, zaptest.NewLogger(t))
	if r.Interrupt("") {
		t.Fatalf("interrupt without stream must not send")
	}
	if len(tel.frames) != 0 || stats.Interruptions.Load() != 1 {
		t.Fatalf("frames=%d interruptions=%d", len(tel.frames), stats.Interruptions.Load())
	}
}
