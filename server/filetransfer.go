package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrFileNotFound = errors.New("stored file not found")

// TransferManager hands each file transfer its own ephemeral listening port
// and goroutine, keeping bulk bytes off the chat control connections. Ports
// come from a monotonic counter and are never reused or reclaimed; the
// counter's own mutex is the only state shared with the control plane.
type TransferManager struct {
	dir      string
	mu       sync.Mutex
	nextPort int
}

func NewTransferManager(dir string, startPort int) *TransferManager {
	return &TransferManager{dir: dir, nextPort: startPort}
}

// AllocatePort returns the next transfer port. Allocations are strictly
// increasing, so a port can never be handed to two in-flight transfers.
func (tm *TransferManager) AllocatePort() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	port := tm.nextPort
	tm.nextPort++
	return port
}

// UniqueKey derives the storage key for an upload: upload time in unix
// seconds joined to the client's base filename. The prefix keeps repeated
// uploads of the same filename from clobbering each other.
func (tm *TransferManager) UniqueKey(filename string) string {
	return fmt.Sprintf("%d_%s", time.Now().Unix(), filepath.Base(filename))
}

// OriginalFilename strips the timestamp prefix from a storage key.
func OriginalFilename(key string) string {
	if i := strings.Index(key, "_"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (tm *TransferManager) storagePath(key string) string {
	return filepath.Join(tm.dir, filepath.Base(key))
}

// Stat reports the on-disk path and size for a storage key, or
// ErrFileNotFound if no upload produced it.
func (tm *TransferManager) Stat(key string) (string, int64, error) {
	path := tm.storagePath(key)
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	return path, info.Size(), nil
}

// Receive accepts exactly one connection on port and reads up to size bytes
// into storage under key. A peer that closes early leaves a truncated file;
// that is logged and not surfaced further. Runs in its own goroutine.
func (tm *TransferManager) Receive(port int, key string, size int64) {
	if err := os.MkdirAll(tm.dir, 0o755); err != nil {
		log.Printf("[FILE] cannot create storage dir %s: %v", tm.dir, err)
		return
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Printf("[FILE] upload listener on port %d failed: %v", port, err)
		return
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		log.Printf("[FILE] upload accept on port %d failed: %v", port, err)
		return
	}
	defer conn.Close()

	path := tm.storagePath(key)
	file, err := os.Create(path)
	if err != nil {
		log.Printf("[FILE] cannot create %s: %v", path, err)
		return
	}
	defer file.Close()

	received, err := io.CopyN(file, conn, size)
	if err != nil {
		log.Printf("[FILE] upload %s truncated at %d/%d bytes: %v", key, received, size, err)
		return
	}
	log.Printf("[FILE] received %s (%d bytes) from %s", key, received, conn.RemoteAddr())
}

// Send accepts exactly one connection on port and streams the stored file to
// it in full. Runs in its own goroutine.
func (tm *TransferManager) Send(port int, path string) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Printf("[FILE] download listener on port %d failed: %v", port, err)
		return
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		log.Printf("[FILE] download accept on port %d failed: %v", port, err)
		return
	}
	defer conn.Close()

	file, err := os.Open(path)
	if err != nil {
		log.Printf("[FILE] cannot open %s: %v", path, err)
		return
	}
	defer file.Close()

	sent, err := io.Copy(conn, file)
	if err != nil {
		log.Printf("[FILE] download of %s failed after %d bytes: %v", path, sent, err)
		return
	}
	log.Printf("[FILE] sent %s (%d bytes) to %s", filepath.Base(path), sent, conn.RemoteAddr())
}
