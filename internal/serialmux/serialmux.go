// Package serialmux provides line-oriented command/response access to a
// serial motion controller, with a live tail of the traffic for debugging.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	// ErrReadTimeout is returned when the port read timeout elapses before a
	// complete reply line arrives.
	ErrReadTimeout = errors.New("timed out waiting for reply from serial port")
	ErrClosed      = errors.New("serial port closed")
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>send command</title></head>
<body>
<form method="post" action="send-command-api">
<input name="command" size="40" autofocus placeholder="POS? 1">
<button type="submit">send</button>
</form>
<p>Commands ending in ? wait for the controller reply. Live traffic: <a href="tail">tail</a></p>
</body></html>
`))

// SerialMux serialises commands to a single serial device and fans the
// traffic out to any number of tail subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	pending      []byte
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel receiving every line written to or
	// read from the port. The channel ID is used to identify the unique
	// channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Query writes command and returns the controller's reply. Multi-line
	// replies are joined with newlines.
	Query(context.Context, string) (string, error)
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux around an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 64)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so a slow tail never stalls the stage
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) write(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.publish("> " + strings.TrimSuffix(command, "\n"))
	return nil
}

// SendCommand sends a command that produces no reply.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(command)
}

// Query sends command and reads its reply. A reply line ending in a space
// announces that another line follows.
func (s *SerialMux[T]) Query(ctx context.Context, command string) (string, error) {
	if s.isClosing() {
		return "", ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.write(command); err != nil {
		return "", err
	}

	var lines []string
	for {
		if err := ctx.Err(); err != nil {
			s.pending = nil
			return "", err
		}
		line, err := s.readLine()
		if err != nil {
			// a late reply would be taken as the answer to the next query
			s.pending = nil
			return "", fmt.Errorf("reply to %q: %w", command, err)
		}
		s.publish("< " + line)
		more := strings.HasSuffix(line, " ")
		lines = append(lines, strings.TrimRight(line, " "))
		if !more {
			return strings.Join(lines, "\n"), nil
		}
	}
}

func (s *SerialMux[T]) readLine() (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+1:]
			return strings.TrimSuffix(line, "\r"), nil
		}
		n, err := s.port.Read(buf)
		s.pending = append(s.pending, buf[:n]...)
		if n > 0 {
			continue
		}
		if err == nil {
			// go.bug.st/serial reports an elapsed read timeout as 0, nil
			return "", ErrReadTimeout
		}
		if errors.Is(err, io.EOF) {
			return "", ErrReadTimeout
		}
		return "", err
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a command to the stage controller", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write a command; queries return the controller reply.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if strings.Contains(command, "?") {
			reply, err := s.Query(r.Context(), command)
			if err != nil {
				http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusBadGateway)
				return
			}
			io.WriteString(w, reply+"\n")
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for the port traffic.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// Channel closed, exit gracefully
					return
				}
				_, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
				if err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
