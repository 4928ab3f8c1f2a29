package serial

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"drillcontrol/pkg/types"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line         string
		upper, lower float64
		wantErr      bool
	}{
		{"3000,2000", 3000, 2000, false},
		{" 3012.5 , -4.25 ", 3012.5, -4.25, false},
		{"3000", 0, 0, true},
		{"3000,2000,1", 0, 0, true},
		{"abc,2000", 0, 0, true},
		{"3000,", 0, 0, true},
	}
	for _, tt := range tests {
		upper, lower, err := ParseLine(tt.line)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLine(%q) err = %v", tt.line, err)
		}
		if !tt.wantErr && (upper != tt.upper || lower != tt.lower) {
			t.Fatalf("ParseLine(%q) = %v,%v", tt.line, upper, lower)
		}
	}
}

func TestForceStreamEmitsFrames(t *testing.T) {
	pr, pw := io.Pipe()
	frames := make(chan types.Frame, 8)
	fs := NewForceStream(func() (io.ReadCloser, error) { return pr, nil }, func(f types.Frame) bool {
		frames <- f
		return true
	})

	if err := fs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		io.WriteString(pw, "3000,2000\n")
		io.WriteString(pw, "garbage\n")
		io.WriteString(pw, "\n")
		io.WriteString(pw, "3100,1900\n")
	}()

	var got []types.Sample
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, types.Sample{}.Apply(f))
		case <-time.After(time.Second):
			t.Fatalf("received %d frames", len(got))
		}
	}
	if got[0].UpperForce != 3000 || got[0].LowerForce != 2000 || got[1].UpperForce != 3100 {
		t.Fatalf("samples = %+v", got)
	}
	if fs.Malformed() != 1 {
		t.Fatalf("malformed = %d", fs.Malformed())
	}

	if err := fs.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := fs.Stop(); err == nil {
		t.Fatal("second Stop succeeded")
	}
}

func TestForceStreamStartFailsWhenPortUnavailable(t *testing.T) {
	want := errors.New("no such device")
	fs := NewForceStream(func() (io.ReadCloser, error) { return nil, want }, nil)
	if err := fs.Start(context.Background()); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestForceStreamReconnects(t *testing.T) {
	opens := make(chan struct{}, 4)
	pipes := make(chan *io.PipeWriter, 4)
	fs := NewForceStream(func() (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		opens <- struct{}{}
		pipes <- pw
		return pr, nil
	}, nil)
	fs.SetReconnectDelay(5 * time.Millisecond)

	if err := fs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-opens
	first := <-pipes
	first.Close()

	select {
	case <-opens:
	case <-time.After(time.Second):
		t.Fatal("stream did not reopen the port")
	}
	fs.Stop()
}
