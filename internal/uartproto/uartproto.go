// Package uartproto implements the line-framed ASCII protocol the
// logger speaks to its WiFi co-processor peer over a dedicated UART: a
// boot handshake (`ESP:config` → CONFIG block → `ESP:serving`), then
// steady-state `WS:<json>` telemetry broadcast and
// `ESP:get`/`ESP:list`/`ESP:download`/`ESP:session_*`/`ESP:status`
// request/response exchange over an injectable Transport with
// exponential-backoff reconnect. Request-line tokenizing uses
// github.com/google/shlex. The production Transport is split by build
// tag (see transport_host.go / transport_tinygo.go): jacobsa/go-serial
// needs a POSIX termios layer a TinyGo target doesn't have.
package uartproto

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

const (
	maxLineBytes   = 512
	requestCeiling = 5 * time.Second
)

// Config carries the UART port parameters ("a dedicated
// UART at 115200 bps, or 9600 in a debug mode").
type Config struct {
	PortName string
	BaudRate int // 115200 normally, 9600 in debug mode; DESIGN.md Open Question decision
}

// Transport opens the underlying byte stream; default is a real serial
// port, but tests substitute an in-memory pipe the way bridge_test.go
// substitutes UARTDial.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// BootInfo is the CONFIG block content sent in reply to ESP:config,
// step 2.
type BootInfo struct {
	Mode        string // "ap" | "sta"
	SSID        string
	Password    string
	Address     string
	Netmask     string
	Gateway     string
	PicoVersion string
	PicoGit     string
}

// FileServer resolves ESP:get/ESP:list/ESP:download requests against
// the logger's served page set and recorded session files.
type FileServer interface {
	// Open returns the contents and size of name, or ok=false if absent.
	Open(name string) (data []byte, ok bool)
	// List returns every file along with its size and owning session
	// number (0 for static pages), for the FILELIST response.
	List() []FileEntry
}

type FileEntry struct {
	Name      string
	Size      int64
	SessionNo uint32
}

// SessionController lets the peer start/stop/restart/inspect/update a
// recording session via ESP:session_* commands.
type SessionController interface {
	SessionStart() error
	SessionStop() error
	SessionRestart() error
	SessionInfo() string // free-form one-line status
	SessionUpdate(fields map[string]string) error
}

// Service owns one UART link's lifetime: boot handshake, WS: telemetry
// send loop, and ESP: request dispatch. Construction-injected, no
// globals.
type Service struct {
	tr    Transport
	boot  BootInfo
	files FileServer
	sess  SessionController

	txMu   sync.Mutex
	txLine []byte // holds at most one pending WS: line (drop-oldest)
	txCond *sync.Cond
}

// New constructs a Service. files/sess may be nil; requests referencing
// them then answer 404 (ESP:list answers an empty FILELIST) rather than
// panicking.
func New(tr Transport, boot BootInfo, files FileServer, sess SessionController) *Service {
	s := &Service{tr: tr, boot: boot, files: files, sess: sess}
	s.txCond = sync.NewCond(&s.txMu)
	return s
}

// SendTelemetry enqueues a WS: line backpressure rule:
// "the logger must not send more than one WS: line per telemetry tick;
// if the UART tx buffer is full, the oldest unsent telemetry line is
// dropped, never queued unboundedly." A capacity-1 slot implements this
// directly: a pending line is simply overwritten.
func (s *Service) SendTelemetry(jsonLine []byte) {
	s.txMu.Lock()
	s.txLine = append([]byte(nil), jsonLine...)
	s.txMu.Unlock()
	s.txCond.Signal()
}

// Run dials the transport and services the link until ctx is
// cancelled, reconnecting with exponential backoff on failure — the
// reconnect shape of bridge.go's runLink.
func (s *Service) Run(ctx context.Context) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := s.tr.Open(ctx)
		if err != nil {
			if !sleep(ctx, backoff()) {
				return
			}
			continue
		}

		if err := s.handleLink(ctx, rwc); err != nil {
			_ = rwc.Close()
			if !sleep(ctx, backoff()) {
				return
			}
			continue
		}
		return
	}
}

func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser) error {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := bufio.NewReaderSize(rwc, maxLineBytes+2)
	lines := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		for {
			line, err := readLine(reader)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lines <- line:
			case <-linkCtx.Done():
				return
			}
		}
	}()

	if err := s.awaitHandshake(linkCtx, rwc, lines, errCh); err != nil {
		return err
	}

	go s.txLoop(linkCtx, rwc)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			s.dispatch(rwc, line)
		}
	}
}

// awaitHandshake implements boot sequence: wait for
// ESP:config, reply with the CONFIG block, then wait for ESP:serving
// before steady state begins.
func (s *Service) awaitHandshake(ctx context.Context, w io.Writer, lines <-chan string, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line := <-lines:
			switch line {
			case "ESP:config":
				if err := s.writeConfigBlock(w); err != nil {
					return err
				}
			case "ESP:serving":
				return nil
			}
		}
	}
}

func (s *Service) writeConfigBlock(w io.Writer) error {
	var b strings.Builder
	b.WriteString("CONFIG\n")
	fmt.Fprintf(&b, "mode=%s\n", s.boot.Mode)
	fmt.Fprintf(&b, "ssid=%s\n", s.boot.SSID)
	fmt.Fprintf(&b, "password=%s\n", s.boot.Password)
	fmt.Fprintf(&b, "address=%s\n", s.boot.Address)
	fmt.Fprintf(&b, "netmask=%s\n", s.boot.Netmask)
	fmt.Fprintf(&b, "gateway=%s\n", s.boot.Gateway)
	fmt.Fprintf(&b, "pico_version=%s\n", s.boot.PicoVersion)
	fmt.Fprintf(&b, "pico_git=%s\n", s.boot.PicoGit)
	b.WriteString("END\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// txLoop drains the single-slot telemetry queue as WS: lines.
func (s *Service) txLoop(ctx context.Context, w io.Writer) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.txCond.Broadcast()
		close(done)
	}()
	for {
		s.txMu.Lock()
		for s.txLine == nil {
			select {
			case <-done:
				s.txMu.Unlock()
				return
			default:
			}
			s.txCond.Wait()
			select {
			case <-ctx.Done():
				s.txMu.Unlock()
				return
			default:
			}
		}
		line := s.txLine
		s.txLine = nil
		s.txMu.Unlock()

		if _, err := fmt.Fprintf(w, "WS:%s\n", line); err != nil {
			return
		}
	}
}

// dispatch answers one ESP: request line with a 5 s response ceiling,
// : "UART request/response pairs carry a 5 s ceiling; on
// expiry the logger emits 404 or the next response slot is abandoned."
func (s *Service) dispatch(w io.Writer, line string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleRequest(w, line)
	}()
	select {
	case <-done:
	case <-time.After(requestCeiling):
		fmt.Fprint(w, "404\n")
	}
}

func (s *Service) handleRequest(w io.Writer, line string) {
	fields, err := shlex.Split(line)
	if err != nil || len(fields) == 0 {
		return
	}
	switch {
	case fields[0] == "ESP:get" && len(fields) == 2:
		s.handleGet(w, fields[1])
	case fields[0] == "ESP:list":
		s.handleList(w)
	case fields[0] == "ESP:download" && len(fields) == 2:
		s.handleGet(w, fields[1])
	case fields[0] == "ESP:session_start":
		s.handleSessionCmd(w, sessionFunc(s.sess, (SessionController).SessionStart))
	case fields[0] == "ESP:session_stop":
		s.handleSessionCmd(w, sessionFunc(s.sess, (SessionController).SessionStop))
	case fields[0] == "ESP:session_restart":
		s.handleSessionCmd(w, sessionFunc(s.sess, (SessionController).SessionRestart))
	case fields[0] == "ESP:session_info":
		s.handleSessionInfo(w)
	case fields[0] == "ESP:session_update":
		s.handleSessionUpdate(w, fields[1:])
	case fields[0] == "ESP:status":
		// informational only; no response required.
	default:
		fmt.Fprint(w, "404\n")
	}
}

func (s *Service) handleGet(w io.Writer, path string) {
	if s.files == nil {
		fmt.Fprint(w, "404\n")
		return
	}
	data, ok := s.files.Open(path)
	if !ok {
		fmt.Fprint(w, "404\n")
		return
	}
	fmt.Fprintf(w, "FILE:%s:%d\n", path, len(data))
	w.Write(data)
	fmt.Fprint(w, "\nEND\n")
}

func (s *Service) handleList(w io.Writer) {
	if s.files == nil {
		fmt.Fprint(w, "FILELIST:0\nEND\n")
		return
	}
	entries := s.files.List()
	fmt.Fprintf(w, "FILELIST:%d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "%s|%d|%d\n", e.Name, e.Size, e.SessionNo)
	}
	fmt.Fprint(w, "END\n")
}

// sessionFunc binds a SessionController method expression to sc,
// returning nil rather than panicking when sc is nil.
func sessionFunc(sc SessionController, m func(SessionController) error) func() error {
	if sc == nil {
		return nil
	}
	return func() error { return m(sc) }
}

func (s *Service) handleSessionCmd(w io.Writer, fn func() error) {
	if fn == nil {
		fmt.Fprint(w, "404\n")
		return
	}
	if err := fn(); err != nil {
		fmt.Fprintf(w, "ERR:%s\n", err)
		return
	}
	fmt.Fprint(w, "OK\n")
}

func (s *Service) handleSessionInfo(w io.Writer) {
	if s.sess == nil {
		fmt.Fprint(w, "404\n")
		return
	}
	fmt.Fprintf(w, "INFO:%s\n", s.sess.SessionInfo())
}

func (s *Service) handleSessionUpdate(w io.Writer, kv []string) {
	if s.sess == nil {
		fmt.Fprint(w, "404\n")
		return
	}
	fields := map[string]string{}
	for _, pair := range kv {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}
	if err := s.sess.SessionUpdate(fields); err != nil {
		fmt.Fprintf(w, "ERR:%s\n", err)
		return
	}
	fmt.Fprint(w, "OK\n")
}

// readLine reads a single `\n`-terminated line capped at maxLineBytes
// and restricted to printable ASCII; a line that violates
// either is discarded rather than returned, mirroring gpssrc's
// malformed-sentence discard policy.
func readLine(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) > maxLineBytes {
			continue
		}
		if !isPrintableASCII(line) {
			continue
		}
		return line, nil
	}
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
