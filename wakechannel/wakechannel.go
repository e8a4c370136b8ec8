// Package wakechannel implements the cross-process commit wake-up
// transport: a per-database-file named pipe that every process with the
// database open waits on, and that every committing process writes a
// sentinel byte to. It collapses the original's kqueue/generic(eventfd)
// split into one portable implementation built on golang.org/x/sys/unix's
// Mkfifo and Select, since Go's runtime already multiplexes blocking
// syscalls across goroutines without needing a platform-specific event
// loop per OS.
package wakechannel

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kasuganosora/objstore/objerr"
)

// OnChange is invoked on the Channel's listener goroutine every time
// activity is observed on the notify pipe. It must not block.
type OnChange func()

// Channel owns the wake-up named pipe for one database path and the
// background goroutine that waits on it.
type Channel struct {
	notifyFD   int
	notifyPath string

	shutdownRead  int
	shutdownWrite int

	onChange OnChange

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Open creates (or attaches to) the named pipe for path and starts the
// listener goroutine, which calls onChange whenever any process — including
// this one — writes to the pipe via Notify.
func Open(path string, onChange OnChange) (*Channel, error) {
	notifyPath := path + ".note"
	notifyFD, err := openFifo(notifyPath)
	if err != nil {
		return nil, objerr.Wrap(objerr.ChannelIO, "open notification pipe", err)
	}

	var shutdown [2]int
	if err := unix.Pipe(shutdown[:]); err != nil {
		unix.Close(notifyFD)
		return nil, objerr.Wrap(objerr.ChannelIO, "open shutdown pipe", err)
	}

	c := &Channel{
		notifyFD:      notifyFD,
		notifyPath:    notifyPath,
		shutdownRead:  shutdown[0],
		shutdownWrite: shutdown[1],
		onChange:      onChange,
	}

	c.wg.Add(1)
	go c.listen()
	return c, nil
}

// openFifo creates the named pipe at path (falling back to a hashed name
// in the OS temp directory when the filesystem does not support named
// pipes) and opens it for non-blocking read/write.
func openFifo(path string) (int, error) {
	err := unix.Mkfifo(path, 0o600)
	if err != nil && err != unix.EEXIST {
		if err == unix.ENOTSUP || err == unix.EPERM {
			path = fallbackPath(path)
			err = unix.Mkfifo(path, 0o600)
			if err != nil && err != unix.EEXIST {
				return -1, err
			}
		} else {
			return -1, err
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// fallbackPath derives a stable, content-free hashed name for the pipe in
// the platform temp directory. Hash collisions only cause extra wake-ups
// across unrelated databases, never correctness problems.
func fallbackPath(path string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return filepath.Join(os.TempDir(), fmt.Sprintf("realm_%x.note", h.Sum64()))
}

// Notify writes a sentinel byte to the notify pipe, waking every listener.
// If the pipe's buffer is full, it drains some of the existing data first
// so a single write can wake multiple waiters without ever blocking.
func (c *Channel) Notify() error {
	return notifyFD(c.notifyFD, c.notifyFD)
}

func notifyFD(writeFD, readFD int) error {
	buf := []byte{0}
	for {
		n, err := unix.Write(writeFD, buf)
		if n == 1 {
			return nil
		}
		if err != unix.EAGAIN {
			return err
		}
		drain := make([]byte, 1024)
		unix.Read(readFD, drain)
	}
}

// fdSetBit, fdIsSet and fdZero manipulate a unix.FdSet's bitmap directly:
// the x/sys/unix package exposes the raw struct (its Bits field) but not
// the set/test/clear helpers glibc's FD_SET/FD_ISSET macros provide.
func fdSetBit(fd int, set *unix.FdSet) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

// listen blocks in unix.Select over the notify fd and the shutdown fd,
// invoking onChange on notify activity and returning on shutdown activity
// or on any Select error other than EINTR.
func (c *Channel) listen() {
	defer c.wg.Done()

	for {
		var rfds unix.FdSet
		fdSetBit(c.notifyFD, &rfds)
		fdSetBit(c.shutdownRead, &rfds)
		nfd := c.notifyFD
		if c.shutdownRead > nfd {
			nfd = c.shutdownRead
		}

		n, err := unix.Select(nfd+1, &rfds, nil, nil, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		if fdIsSet(c.shutdownRead, &rfds) {
			return
		}
		if fdIsSet(c.notifyFD, &rfds) {
			drain := make([]byte, 1024)
			unix.Read(c.notifyFD, drain)
			if c.onChange != nil {
				c.onChange()
			}
		}
	}
}

// Close signals the listener goroutine to exit and waits for it to do so.
// Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := notifyFD(c.shutdownWrite, c.shutdownRead); err != nil {
		return objerr.Wrap(objerr.ChannelIO, "signal shutdown", err)
	}
	c.wg.Wait()

	unix.Close(c.notifyFD)
	unix.Close(c.shutdownRead)
	unix.Close(c.shutdownWrite)
	return nil
}
