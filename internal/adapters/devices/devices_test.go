package devices

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/rtp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *domain.CallError
	}{
		{"eacces", &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES}, domain.ErrDeviceAccessDenied},
		{"ebusy", fmt.Errorf("open camera: %w", syscall.EBUSY), domain.ErrDeviceBusy},
		{"enodev", &fs.PathError{Op: "open", Path: "/dev/video9", Err: syscall.ENOENT}, domain.ErrDeviceNotFound},
		{"message denied", errors.New("pulse: Permission denied by policy"), domain.ErrDeviceAccessDenied},
		{"message busy", errors.New("device or resource busy"), domain.ErrDeviceBusy},
		{"driver miss", errors.New("failed to find the best driver that fits the constraints"), domain.ErrDeviceNotFound},
		{"already classified", domain.NewCallError(domain.CodeDeviceBusy, nil), domain.ErrDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("Classify(%v) = %v, want %s", tt.err, got, tt.want.Code)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

type countingWriter struct{ n int }

func (w *countingWriter) WriteRTP(_ *rtp.Header, payload []byte) (int, error) {
	w.n++
	return len(payload), nil
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.n++
	return len(b), nil
}

func TestGatedWriterDropsWhileDisabled(t *testing.T) {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	inner := &countingWriter{}
	g := &gatedWriter{w: inner, enabled: enabled}

	if _, err := g.WriteRTP(&rtp.Header{}, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	enabled.Store(false)
	n, err := g.WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
	if err != nil || n != 3 {
		t.Fatalf("disabled write should report success, n=%d err=%v", n, err)
	}
	_, _ = g.Write([]byte{1})
	enabled.Store(true)
	_, _ = g.Write([]byte{1})
	if inner.n != 2 {
		t.Fatalf("inner writes = %d, want 2", inner.n)
	}
}
