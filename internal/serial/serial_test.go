package serial

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/bigbag/sds011/internal/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// fakePort scripts reads and records writes. Unscripted reads behave like
// an idle line: they block for the read timeout and return nothing.
type fakePort struct {
	serial.Port

	reads       []readResult
	readTimeout time.Duration
	timeouts    []time.Duration

	writeChunk int
	writeErr   error
	written    []byte
	drained    int
	resets     int
}

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.readTimeout = t
	f.timeouts = append(f.timeouts, t)
	return nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		time.Sleep(f.readTimeout)
		return 0, nil
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(p, r.data)
	return n, r.err
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := min(len(p), f.writeChunk)
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func (f *fakePort) Drain() error {
	f.drained++
	return nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.resets++
	return nil
}

func (f *fakePort) Close() error { return nil }

func newTestPort(fp *fakePort) *Port {
	return &Port{port: fp, portName: "/dev/ttyTEST", baudRate: protocol.DefaultBaudRate}
}

func TestPort_ReadFull(t *testing.T) {
	errBroken := errors.New("device unplugged")

	tests := []struct {
		name    string
		reads   []readResult
		n       int
		want    []byte
		wantErr error
	}{
		{
			name:  "single read",
			reads: []readResult{{data: []byte{0xAA, 0xC0, 0x01}}},
			n:     3,
			want:  []byte{0xAA, 0xC0, 0x01},
		},
		{
			name:  "chunked reads",
			reads: []readResult{{data: []byte{0xAA}}, {data: []byte{0xC0, 0x01}}, {data: []byte{0x02}}},
			n:     4,
			want:  []byte{0xAA, 0xC0, 0x01, 0x02},
		},
		{
			name:  "zero-byte reads then data",
			reads: []readResult{{}, {}, {data: []byte{0xAA, 0xAB}}},
			n:     2,
			want:  []byte{0xAA, 0xAB},
		},
		{
			name:    "partial then timeout",
			reads:   []readResult{{data: []byte{0xAA, 0xC0}}},
			n:       10,
			want:    []byte{0xAA, 0xC0},
			wantErr: protocol.ErrTimeout,
		},
		{
			name:    "nothing then timeout",
			n:       10,
			want:    []byte{},
			wantErr: protocol.ErrTimeout,
		},
		{
			name:    "read error keeps partial",
			reads:   []readResult{{data: []byte{0xAA}}, {data: []byte{0xC0}, err: errBroken}},
			n:       10,
			want:    []byte{0xAA, 0xC0},
			wantErr: errBroken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePort{reads: tt.reads}
			p := newTestPort(fp)

			got, err := p.ReadFull(tt.n, 30*time.Millisecond)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadFull() = % X, want % X", got, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("ReadFull() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFull() error = %v, want %v", err, tt.wantErr)
			}
			for _, to := range fp.timeouts {
				if to <= 0 || to > pollInterval {
					t.Errorf("read timeout %v outside (0, %v]", to, pollInterval)
				}
			}
		})
	}
}

func TestPort_ReadFull_RespectsDeadline(t *testing.T) {
	p := newTestPort(&fakePort{})

	start := time.Now()
	_, err := p.ReadFull(1, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("ReadFull() error = %v, want ErrTimeout", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 50*time.Millisecond+2*pollInterval {
		t.Errorf("ReadFull() took %v, want about 50ms", elapsed)
	}
}

func TestPort_ReadByte(t *testing.T) {
	p := newTestPort(&fakePort{reads: []readResult{{data: []byte{0xAA}}}})

	b, err := p.ReadByte(30 * time.Millisecond)
	if err != nil || b != 0xAA {
		t.Fatalf("ReadByte() = 0x%02X, %v, want 0xAA, nil", b, err)
	}

	if _, err := p.ReadByte(20 * time.Millisecond); !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("ReadByte() on idle line error = %v, want ErrTimeout", err)
	}
}

func TestPort_Write(t *testing.T) {
	frame := []byte{0xAA, 0xB4, 0x04, 0x00, 0x00, 0xFF, 0xFF, 0x02, 0xAB}

	tests := []struct {
		name        string
		chunk       int
		writeErr    error
		wantN       int
		wantErr     bool
		wantDrained int
	}{
		{name: "whole frame", chunk: 64, wantN: len(frame), wantDrained: 1},
		{name: "short writes", chunk: 2, wantN: len(frame), wantDrained: 1},
		{name: "no progress", chunk: 0, wantN: 0, wantErr: true},
		{name: "write error", chunk: 64, writeErr: errors.New("io"), wantN: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePort{writeChunk: tt.chunk, writeErr: tt.writeErr}
			p := newTestPort(fp)

			n, err := p.Write(frame)
			if n != tt.wantN {
				t.Errorf("Write() n = %d, want %d", n, tt.wantN)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Write() error = %v, wantErr %v", err, tt.wantErr)
			}
			if fp.drained != tt.wantDrained {
				t.Errorf("Drain() called %d times, want %d", fp.drained, tt.wantDrained)
			}
			if !tt.wantErr && !bytes.Equal(fp.written, frame) {
				t.Errorf("written = % X, want % X", fp.written, frame)
			}
		})
	}
}

func TestPort_FlushAndAccessors(t *testing.T) {
	fp := &fakePort{}
	p := newTestPort(fp)

	if err := p.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if fp.resets != 1 {
		t.Errorf("ResetInputBuffer() called %d times, want 1", fp.resets)
	}
	if p.PortName() != "/dev/ttyTEST" {
		t.Errorf("PortName() = %q", p.PortName())
	}
	if p.BaudRate() != protocol.DefaultBaudRate {
		t.Errorf("BaudRate() = %d, want %d", p.BaudRate(), protocol.DefaultBaudRate)
	}
}

func TestOpen_MissingPort(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ttyNONE")
	if _, err := Open(name, 0); err == nil {
		t.Fatalf("Open(%q) succeeded, want error", name)
	}
}

func TestClose_Unopened(t *testing.T) {
	var p Port
	if err := p.Close(); err != nil {
		t.Errorf("Close() on unopened port = %v, want nil", err)
	}
}
