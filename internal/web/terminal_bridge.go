package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConnWriter) WriteClose(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// ptyBridge runs one command on a pty and streams its output to a client.
type ptyBridge struct {
	writer *wsConnWriter

	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	done      chan struct{}
}

func newPTYBridge(argv []string, dir string, writer *wsConnWriter) (*ptyBridge, error) {
	if len(argv) == 0 {
		return nil, errors.New("command is required")
	}
	if writer == nil {
		return nil, errors.New("writer is required")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(environWithoutTMUX(os.Environ()), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	b := &ptyBridge{
		writer: writer,
		cmd:    cmd,
		ptmx:   ptmx,
		done:   make(chan struct{}),
	}
	go b.streamOutput()
	return b, nil
}

// Done is closed when the command's output ends.
func (b *ptyBridge) Done() <-chan struct{} {
	return b.done
}

func (b *ptyBridge) streamOutput() {
	defer close(b.done)

	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if writeErr := b.writer.WriteBinary(chunk); writeErr != nil {
				b.Close()
				return
			}
		}
		if err != nil {
			// Linux reports EIO once the child side of the pty closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				webLog.Warn("pty_read_failed", slog.String("error", err.Error()))
			}
			_ = b.writer.WriteJSON(wsServerMessage{
				Type:  "status",
				Event: "exited",
				Time:  time.Now().UTC(),
			})
			b.Close()
			return
		}
	}
}

func (b *ptyBridge) WriteInput(data string) error {
	if b == nil || b.ptmx == nil {
		return errors.New("bridge not initialized")
	}
	if data == "" {
		return nil
	}
	_, err := b.ptmx.Write([]byte(data))
	return err
}

func (b *ptyBridge) Resize(cols, rows int) error {
	if b == nil || b.ptmx == nil {
		return errors.New("bridge not initialized")
	}
	if cols <= 0 || rows <= 0 || cols > 1000 || rows > 1000 {
		return fmt.Errorf("invalid dimensions: cols=%d rows=%d", cols, rows)
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close ends the command's process group and reaps it.
func (b *ptyBridge) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		if b.ptmx != nil {
			_ = b.ptmx.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			pgid, err := syscall.Getpgid(b.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGHUP)
			} else {
				_ = b.cmd.Process.Kill()
			}
		}
		if b.cmd != nil {
			_ = b.cmd.Wait()
		}
	})
}

// environWithoutTMUX keeps a served "tmux attach" from refusing to nest
// when the server itself was started inside tmux.
func environWithoutTMUX(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}
