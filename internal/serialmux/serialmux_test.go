package serialmux

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func echoResponder(replies map[string]string) func(string) string {
	return func(command string) string {
		return replies[command]
	}
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialised")
	}
}

func TestSerialMux_SendCommandAppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("MOV 1 0.5"); err != nil {
		t.Fatalf("SendCommand error: %v", err)
	}
	if err := mux.SendCommand("VEL 1 0.1\n"); err != nil {
		t.Fatalf("SendCommand error: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "MOV 1 0.5\nVEL 1 0.1\n" {
		t.Errorf("written = %q", got)
	}
}

func TestSerialMux_SendCommandWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = io.ErrShortWrite
	mux := NewSerialMux(port)

	if err := mux.SendCommand("MOV 1 0"); !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("SendCommand error = %v, want ErrShortWrite", err)
	}
}

func TestSerialMux_QuerySingleLine(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(map[string]string{"POS? 1": "1=0.2500\n"})
	mux := NewSerialMux(port)

	reply, err := mux.Query(context.Background(), "POS? 1")
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if reply != "1=0.2500" {
		t.Errorf("reply = %q, want 1=0.2500", reply)
	}
}

func TestSerialMux_QueryMultiLine(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(map[string]string{
		"DRR? 1 3 2": "0.1 0.09 \r\n0.2 0.19 \r\n0.3 0.3\r\n",
	})
	mux := NewSerialMux(port)

	reply, err := mux.Query(context.Background(), "DRR? 1 3 2")
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	want := "0.1 0.09\n0.2 0.19\n0.3 0.3"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
}

func TestSerialMux_QueryTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, err := mux.Query(context.Background(), "ONT? 1")
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Query error = %v, want ErrReadTimeout", err)
	}

	// a partial line left behind must not leak into the next reply
	port.AddReadData([]byte("1="))
	_, _ = mux.Query(context.Background(), "ONT? 1")
	port.Responder = echoResponder(map[string]string{"ERR?": "0\n"})
	reply, err := mux.Query(context.Background(), "ERR?")
	if err != nil || reply != "0" {
		t.Errorf("Query after timeout = %q, %v", reply, err)
	}
}

func TestSerialMux_QueryCancelled(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mux.Query(ctx, "POS? 1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Query error = %v, want context.Canceled", err)
	}
	if len(port.GetWrittenData()) != 0 {
		t.Error("cancelled query should not reach the port")
	}
}

func TestSerialMux_SubscribeSeesTraffic(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(map[string]string{"ONT? 1": "1=1\n"})
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	if _, err := mux.Query(context.Background(), "ONT? 1"); err != nil {
		t.Fatal(err)
	}
	got := []string{<-ch, <-ch}
	if strings.Join(got, "|") != "> ONT? 1|< 1=1" {
		t.Errorf("tail = %q", got)
	}
}

func TestSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// unknown ids are ignored
	mux.Unsubscribe("missing")
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if err := mux.SendCommand("MOV 1 0"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendCommand after Close = %v, want ErrClosed", err)
	}
	if _, err := mux.Query(context.Background(), "POS? 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Query after Close = %v, want ErrClosed", err)
	}
}

func TestOpenSerialMuxBasic(t *testing.T) {
	port := NewTestableSerialPort()
	var calls []MockOpenCall

	mux, err := OpenSerialMux(MockOpener(port, nil, &calls), "/dev/ttyUSB0", PortOptions{BaudRate: 57600})
	if err != nil {
		t.Fatalf("OpenSerialMux error: %v", err)
	}
	if mux == nil {
		t.Fatal("OpenSerialMux returned nil")
	}
	if len(calls) != 1 || calls[0].Path != "/dev/ttyUSB0" || calls[0].Mode.BaudRate != 57600 {
		t.Errorf("open calls = %+v", calls)
	}
	if port.ReadTimeout != DefaultReadTimeout {
		t.Errorf("read timeout = %v, want %v", port.ReadTimeout, DefaultReadTimeout)
	}
}

func TestOpenSerialMuxOpenErrors(t *testing.T) {
	openErr := errors.New("no such device")
	if _, err := OpenSerialMux(MockOpener(nil, openErr, nil), "/dev/none", PortOptions{}); !errors.Is(err, openErr) {
		t.Errorf("error = %v, want %v", err, openErr)
	}
	if _, err := OpenSerialMux(MockOpener(NewTestableSerialPort(), nil, nil), "/dev/x", PortOptions{Parity: "Q"}); err == nil {
		t.Error("expected error for invalid options")
	}
}
