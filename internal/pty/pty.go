// Package pty implements the pseudoterminal subsystem: a fixed-size
// pool of master/slave pairs, termios-driven line discipline on the
// master-to-slave input path, and the ioctl surface a shell needs to
// manage a controlling terminal (spec.md §4.5). Devices are wired into
// devfs the same way any other character device is (internal/devfs),
// with the pair's slave additionally registered under "pts/<n>" once
// the master side opens it, mirroring /dev/ptmx + devpts.
package pty

import (
	"sync"

	"github.com/pkg/errors"

	"wos/internal/devfs"
	"wos/internal/kerrno"
	"wos/internal/ksignal"
	"wos/internal/task"
	"wos/internal/ttyconst"
	"wos/internal/vfs"
)

// PoolSize bounds the number of simultaneously allocated pty pairs
// (spec.md §4.5 "Pool allocation").
const PoolSize = 64

// ringSize is the capacity of each direction's byte ring.
const ringSize = 4096

// Termios mirrors struct termios's fields this driver actually
// interprets (spec.md §4.5 "Termios contract").
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	CC    [ttyconst.NCC]byte
}

// DefaultTermios returns the line discipline a freshly allocated pty
// pair starts in: canonical mode, echo on, signals on (spec.md §4.5
// "Default termios").
func DefaultTermios() Termios {
	var t Termios
	t.Iflag = ttyconst.ICRNL | ttyconst.IXON
	t.Oflag = ttyconst.OPOST | ttyconst.ONLCR
	t.Cflag = ttyconst.CS8 | ttyconst.CREAD | ttyconst.CLOCAL
	t.Lflag = ttyconst.ISIG | ttyconst.ICANON | ttyconst.ECHO | ttyconst.ECHOE | ttyconst.ECHOK | ttyconst.IEXTEN
	t.CC[ttyconst.VINTR] = 3    // ^C
	t.CC[ttyconst.VQUIT] = 28   // ^\
	t.CC[ttyconst.VERASE] = 127 // DEL
	t.CC[ttyconst.VKILL] = 21   // ^U
	t.CC[ttyconst.VEOF] = 4     // ^D
	t.CC[ttyconst.VSUSP] = 26   // ^Z
	t.CC[ttyconst.VMIN] = 1
	return t
}

// Winsize mirrors struct winsize (spec.md §4.5 "ioctl surface").
type Winsize struct {
	Rows, Cols, XPixel, YPixel uint16
}

// state is the pair's lifecycle state (spec.md §4.5 "Lifecycle").
type state int

const (
	stateFree state = iota
	stateAllocated
	stateUnlocked
	stateOpenBoth
	stateMasterClosed
	stateSlaveClosed
)

// ring is a small fixed-capacity byte FIFO guarded by its own
// condition variable, used for both the input-processing buffer (after
// line-discipline has run) and the raw master write buffer.
type ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	r, w int
	n    int
}

func newRing(size int) *ring {
	rg := &ring{buf: make([]byte, size)}
	rg.cond = sync.NewCond(&rg.mu)
	return rg
}

func (rg *ring) push(b byte) bool {
	if rg.n == len(rg.buf) {
		return false
	}
	rg.buf[rg.w] = b
	rg.w = (rg.w + 1) % len(rg.buf)
	rg.n++
	return true
}

// dropLast removes the most recently pushed byte, if any, implementing
// VERASE (spec.md §4.5 "erase processing").
func (rg *ring) dropLast() bool {
	if rg.n == 0 {
		return false
	}
	rg.w = (rg.w - 1 + len(rg.buf)) % len(rg.buf)
	rg.n--
	return true
}

// dropLine removes bytes back to the last newline, implementing VKILL.
func (rg *ring) dropLine() {
	for rg.n > 0 {
		prev := (rg.w - 1 + len(rg.buf)) % len(rg.buf)
		if rg.buf[prev] == '\n' {
			break
		}
		rg.w = prev
		rg.n--
	}
}

func (rg *ring) pop() ([]byte, int) {
	if rg.n == 0 {
		return nil, 0
	}
	out := make([]byte, 0, rg.n)
	for rg.n > 0 {
		out = append(out, rg.buf[rg.r])
		rg.r = (rg.r + 1) % len(rg.buf)
		rg.n--
	}
	return out, len(out)
}

// Pair is one master/slave pty pair (spec.md §3 "PtyPair").
type Pair struct {
	mu       sync.Mutex
	index    int
	state    state
	locked   bool
	termios  Termios
	winsize  Winsize
	fg       task.Pgid
	sessTask task.Pid

	// masterRefs/slaveRefs are the independent open refcounts spec.md
	// §4.5's lifecycle table tracks; a pair is only returned to the pool
	// once both reach zero.
	masterRefs int
	slaveRefs  int

	registry *task.Registry // foreground process group lookup for ISIG

	toSlave  *ring // bytes the line discipline has released to the slave's read side
	toMaster *ring // bytes the slave writer has queued for the master's read side
	echo     *ring // echo bytes queued back to the master (ICANON input echo)
	pending  []byte
}

// Pool is the fixed-size pty-pair allocator, wired into devfs as
// /dev/ptmx plus "pts/<n>" slave nodes (spec.md §4.5 "Pool allocation").
type Pool struct {
	mu    sync.Mutex
	pairs [PoolSize]*Pair
	devs  *devfs.Registry
	tasks *task.Registry
}

// NewPool constructs an empty pool. Each open of /dev/ptmx must
// allocate a fresh pair, which a static devfs.Device registration
// cannot express, so /dev/ptmx is instead mounted directly on the VFS
// at its own path via MountPoint; longest-prefix-match resolution
// (vfs.VFS.Mount) picks that exact mount over the generic /dev mount.
// tasks is the process table ISIG delivery looks the foreground pgid up
// in (spec.md §4.5 "ISIG checks"); it may be nil in tests that never
// exercise signal-generating control characters.
func NewPool(reg *devfs.Registry, tasks *task.Registry) *Pool {
	return &Pool{devs: reg, tasks: tasks}
}

// MountPoint returns the /dev/ptmx mount: every open allocates a new
// pair and returns its master side (spec.md §4.5 "Lifecycle": the ptmx
// open is what transitions Free -> Allocated).
func (p *Pool) MountPoint() *vfs.MountPoint {
	return &vfs.MountPoint{
		Path:   "/dev/ptmx",
		FSKind: "ptmx",
		Ops: &vfs.MountOps{
			OpenPath: func(ctx interface{}, rel string, flags int, mode uint32) (*vfs.Ops, interface{}, bool, error) {
				ops, pr, err := p.OpenMaster()
				if err != nil {
					return nil, nil, false, err
				}
				return ops, pr, false, nil
			},
		},
	}
}

// Allocate claims the lowest free pair, marking it locked until
// UnlockSlave is called (spec.md §4.5 "Lifecycle": Free -> Allocated).
func (p *Pool) Allocate() (*Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.pairs {
		if existing == nil {
			pr := &Pair{
				index:      i,
				state:      stateAllocated,
				locked:     true,
				termios:    DefaultTermios(),
				winsize:    Winsize{Rows: 24, Cols: 80},
				masterRefs: 1,
				registry:   p.tasks,
				toSlave:    newRing(ringSize),
				toMaster:   newRing(ringSize),
				echo:       newRing(ringSize),
			}
			p.pairs[i] = pr
			p.devs.Register(&devfs.Device{
				Name: ptsName(i), Major: ttyconst.MajorPTS, Minor: uint32(i),
				Ops: pr.charDeviceOps(p),
			})
			return pr, nil
		}
	}
	return nil, errors.Wrap(kerrno.EAGAIN, "pty: pool exhausted")
}

func ptsName(i int) string {
	return "pts/" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// Release returns the pair to the pool, unregistering its slave node
// (spec.md §4.5 "Lifecycle": ...Closed -> Free, once both ends close).
func (p *Pool) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[index] = nil
	p.devs.Unregister(ptsName(index))
}

// Index reports the pair's pool slot, for TIOCGPTN.
func (pr *Pair) Index() int { return pr.index }

// UnlockSlave clears the lock flag set at allocation time (spec.md §4.5
// "ioctl surface": TIOCSPTLCK).
func (pr *Pair) UnlockSlave(locked bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.locked = locked
	if !locked && pr.state == stateAllocated {
		pr.state = stateUnlocked
	}
}

// openSlave increments the slave refcount on a successful "pts/<n>"
// open (spec.md §4.5 "Lifecycle": slave-openable -> in-use).
func (pr *Pair) openSlave() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.slaveRefs++
	if pr.state == stateAllocated || pr.state == stateUnlocked {
		pr.state = stateOpenBoth
	}
}

// closeMaster drops the master refcount; once both refcounts are zero
// the pair is released back to the pool, otherwise it moves to the
// half-closed state the slave side drains from (spec.md §4.5 lifecycle
// table, "master close (slave still open) -> half-closed").
func (pr *Pair) closeMaster(p *Pool) {
	pr.mu.Lock()
	pr.masterRefs--
	release := pr.masterRefs <= 0 && pr.slaveRefs <= 0
	if !release && pr.masterRefs <= 0 {
		pr.state = stateMasterClosed
	}
	pr.mu.Unlock()
	if release {
		p.Release(pr.index)
	}
}

// closeSlave is closeMaster's mirror image for the slave side
// (spec.md §4.5 lifecycle table, "slave close (master still open) ->
// half-closed").
func (pr *Pair) closeSlave(p *Pool) {
	pr.mu.Lock()
	pr.slaveRefs--
	release := pr.slaveRefs <= 0 && pr.masterRefs <= 0
	if !release && pr.slaveRefs <= 0 {
		pr.state = stateSlaveClosed
	}
	pr.mu.Unlock()
	if release {
		p.Release(pr.index)
	}
}

// isigSignal reports the signal a control character raises under ISIG,
// if any. A zero CC entry means "no character assigned" (spec.md §4.5
// "ISIG checks": "the character is non-zero").
func isigSignal(cc *[ttyconst.NCC]byte, b byte) (uint, bool) {
	switch {
	case cc[ttyconst.VINTR] != 0 && b == cc[ttyconst.VINTR]:
		return ksignal.SIGINT, true
	case cc[ttyconst.VQUIT] != 0 && b == cc[ttyconst.VQUIT]:
		return ksignal.SIGQUIT, true
	case cc[ttyconst.VSUSP] != 0 && b == cc[ttyconst.VSUSP]:
		return ksignal.SIGTSTP, true
	}
	return 0, false
}

// raiseForeground delivers signo to every task in the pair's foreground
// process group (spec.md §4.5 "ISIG checks": "send the corresponding
// signal to the foreground process group").
func (pr *Pair) raiseForeground(signo uint) {
	if pr.registry == nil {
		return
	}
	for _, t := range pr.registry.GroupMembers(pr.fg) {
		t.Raise(signo)
	}
}

// feedMasterInput runs one byte from a master write() through the line
// discipline (spec.md §4.5 "Master-write input processing algorithm").
// It reports whether the byte was accepted; false means the ring it
// needed to land in (m2s, raw mode) was full and the byte must be
// retried by the caller.
func (pr *Pair) feedMasterInput(b byte) bool {
	cc := &pr.termios.CC
	canon := pr.termios.Lflag&ttyconst.ICANON != 0
	echoOn := pr.termios.Lflag&ttyconst.ECHO != 0

	if pr.termios.Lflag&ttyconst.ISIG != 0 {
		if signo, ok := isigSignal(cc, b); ok {
			pr.raiseForeground(signo)
			if echoOn {
				pr.echo.push('^')
				pr.echo.push(b ^ 0x40)
				pr.echo.push('\n')
			}
			if pr.termios.Lflag&ttyconst.NOFLSH == 0 {
				pr.toSlave.pop()
				pr.pending = pr.pending[:0]
			}
			return true
		}
	}

	if canon {
		switch {
		case b == cc[ttyconst.VERASE]:
			if pr.pendingDropLast() && echoOn && pr.termios.Lflag&ttyconst.ECHOE != 0 {
				pr.echo.push('\b')
				pr.echo.push(' ')
				pr.echo.push('\b')
			}
			return true
		case b == cc[ttyconst.VKILL]:
			n := len(pr.pending)
			pr.pending = pr.pending[:0]
			if echoOn && pr.termios.Lflag&ttyconst.ECHOK != 0 {
				for i := 0; i < n; i++ {
					pr.echo.push('\b')
					pr.echo.push(' ')
					pr.echo.push('\b')
				}
			}
			return true
		case b == cc[ttyconst.VEOF]:
			pr.flushPending()
			return true
		}
	}

	if canon {
		pr.pending = append(pr.pending, b)
	} else if !pr.toSlave.push(b) {
		return false
	}
	if echoOn {
		pr.echo.push(b)
	}
	if canon && b == '\n' {
		pr.flushPending()
	}
	return true
}

func (pr *Pair) pendingDropLast() bool {
	if len(pr.pending) == 0 {
		return false
	}
	pr.pending = pr.pending[:len(pr.pending)-1]
	return true
}

// flushPending drains as much of the canonical staging buffer to m2s as
// the ring has room for, leaving whatever doesn't fit staged for the
// next flush rather than discarding it.
func (pr *Pair) flushPending() {
	i := 0
	for ; i < len(pr.pending); i++ {
		if !pr.toSlave.push(pr.pending[i]) {
			break
		}
	}
	pr.pending = pr.pending[:copy(pr.pending, pr.pending[i:])]
}

// MasterWrite feeds data into the line discipline (spec.md §4.5
// "Master write"). It returns the number of bytes processed before the
// destination ring filled, or EAGAIN if even the first byte could not
// be accepted.
func (pr *Pair) MasterWrite(data []byte) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for i, b := range data {
		if !pr.feedMasterInput(b) {
			if i == 0 {
				return 0, errors.Wrap(kerrno.EAGAIN, "pty: master write ring full")
			}
			return i, nil
		}
	}
	return len(data), nil
}

// MasterRead drains bytes written by the slave (including any ECHO
// loopback) into buf (spec.md §4.5 "Master read"): EOF once the slave
// side has closed and the ring has run dry, EAGAIN while it's merely
// empty.
func (pr *Pair) MasterRead(buf []byte) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out, n := pr.toMaster.pop()
	echoOut, echoN := pr.echo.pop()
	combined := append(out, echoOut...)
	if n+echoN == 0 {
		if pr.slaveRefs <= 0 {
			return 0, nil
		}
		return 0, errors.Wrap(kerrno.EAGAIN, "pty: master read would block")
	}
	return copy(buf, combined), nil
}

// SlaveRead drains bytes the line discipline has released to the slave
// side (spec.md §4.5 "Slave read"): EOF once the master side has
// closed and the ring has run dry, EAGAIN while it's merely empty.
func (pr *Pair) SlaveRead(buf []byte) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out, n := pr.toSlave.pop()
	if n == 0 {
		if pr.masterRefs <= 0 {
			return 0, nil
		}
		return 0, errors.Wrap(kerrno.EAGAIN, "pty: slave read would block")
	}
	return copy(buf, out), nil
}

// SlaveWrite applies OPOST/ONLCR (the only output processing this
// driver implements) and queues the result for the master's read side
// (spec.md §4.5 "Slave write"): a `\n` under ONLCR needs two free ring
// slots (the `\r` it expands to, plus itself); EAGAIN if the first byte
// can't find the room it needs.
func (pr *Pair) SlaveWrite(data []byte) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	post := pr.termios.Oflag&ttyconst.OPOST != 0
	nlcr := pr.termios.Oflag&ttyconst.ONLCR != 0
	for i, b := range data {
		expand := post && nlcr && b == '\n'
		need := 1
		if expand {
			need = 2
		}
		if len(pr.toMaster.buf)-pr.toMaster.n < need {
			if i == 0 {
				return 0, errors.Wrap(kerrno.EAGAIN, "pty: slave write ring full")
			}
			return i, nil
		}
		if expand {
			pr.toMaster.push('\r')
		}
		pr.toMaster.push(b)
	}
	return len(data), nil
}

// Ioctl dispatches the full surface spec.md §4.5 lists.
func (pr *Pair) Ioctl(cmd uint32, arg interface{}) (int, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	switch cmd {
	case ttyconst.TIOCGPTN:
		if p, ok := arg.(*uint32); ok {
			*p = uint32(pr.index)
		}
		return 0, nil
	case ttyconst.TIOCSPTLCK:
		if p, ok := arg.(*int32); ok {
			pr.locked = *p != 0
		}
		return 0, nil
	case ttyconst.TIOCGWINSZ:
		if p, ok := arg.(*Winsize); ok {
			*p = pr.winsize
		}
		return 0, nil
	case ttyconst.TIOCSWINSZ:
		if p, ok := arg.(*Winsize); ok {
			pr.winsize = *p
		}
		return 0, nil
	case ttyconst.TIOCSCTTY:
		if p, ok := arg.(task.Pid); ok {
			pr.sessTask = p
		}
		return 0, nil
	case ttyconst.TIOCGPGRP:
		if p, ok := arg.(*task.Pgid); ok {
			*p = pr.fg
		}
		return 0, nil
	case ttyconst.TIOCSPGRP:
		if p, ok := arg.(*task.Pgid); ok {
			pr.fg = *p
		}
		return 0, nil
	case ttyconst.TIOCNOTTY:
		pr.sessTask = 0
		return 0, nil
	case ttyconst.TCGETS:
		if p, ok := arg.(*Termios); ok {
			*p = pr.termios
		}
		return 0, nil
	case ttyconst.TCSETS, ttyconst.TCSETSW, ttyconst.TCSETSF:
		if cmd == ttyconst.TCSETSF {
			pr.toSlave.pop()
			pr.pending = pr.pending[:0]
		}
		if p, ok := arg.(*Termios); ok {
			pr.termios = *p
		}
		return 0, nil
	case ttyconst.TCFLSH:
		switch arg {
		case ttyconst.TCIFLUSH:
			pr.toSlave.pop()
		case ttyconst.TCOFLUSH:
			pr.toMaster.pop()
		case ttyconst.TCIOFLUSH:
			pr.toSlave.pop()
			pr.toMaster.pop()
		}
		return 0, nil
	}
	return 0, errors.Wrap(kerrno.ENOTTY, "pty: unsupported ioctl")
}

// Poll reports readability/writability for the slave end: readable
// once the line discipline has released bytes, writable whenever the
// master's read ring has room (spec.md §4.5 "Poll semantics").
func (pr *Pair) Poll() (readable, writable bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.toSlave.n > 0, pr.toMaster.n < len(pr.toMaster.buf)
}

// masterPoll reports readability/writability for the master end:
// readable once the slave (or echo) has queued bytes, writable
// whenever the line discipline's input ring has room.
func (pr *Pair) masterPoll() (readable, writable bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	readable = pr.toMaster.n > 0 || pr.echo.n > 0
	writable = pr.toSlave.n < len(pr.toSlave.buf)
	return readable, writable
}

// charDeviceOps builds the slave-side devfs ops; Open/Close track the
// slave refcount so the pair only returns to the pool once both ends
// have closed (spec.md §4.5 lifecycle table).
func (pr *Pair) charDeviceOps(p *Pool) devfs.CharDeviceOps {
	return devfs.CharDeviceOps{
		Open: func(dev *devfs.Device) error {
			pr.openSlave()
			return nil
		},
		Close: func(dev *devfs.Device) error {
			pr.closeSlave(p)
			return nil
		},
		Read: func(dev *devfs.Device, buf []byte) (int, error) {
			return pr.SlaveRead(buf)
		},
		Write: func(dev *devfs.Device, buf []byte) (int, error) {
			return pr.SlaveWrite(buf)
		},
		Ioctl: func(dev *devfs.Device, cmd uint32, arg interface{}) (int, error) {
			return pr.Ioctl(cmd, arg)
		},
		Isatty: func(dev *devfs.Device) bool { return true },
		Poll: func(dev *devfs.Device) (bool, bool) {
			return pr.Poll()
		},
	}
}

// masterOps builds a vfs.Ops for the master side returned by Open; the
// slave side is reached through devfs's ordinary "pts/<n>" lookup.
func masterOps(p *Pool, pr *Pair) *vfs.Ops {
	return &vfs.Ops{
		Read: func(f *vfs.File, buf []byte) (int, error) {
			return pr.MasterRead(buf)
		},
		Write: func(f *vfs.File, buf []byte) (int, error) {
			return pr.MasterWrite(buf)
		},
		Ioctl: func(f *vfs.File, cmd uint32, arg interface{}) (int, error) {
			return pr.Ioctl(cmd, arg)
		},
		Isatty: func(f *vfs.File) bool { return true },
		Poll: func(f *vfs.File) (bool, bool) {
			return pr.masterPoll()
		},
		Close: func(f *vfs.File) error {
			pr.closeMaster(p)
			return nil
		},
	}
}

// OpenMaster implements opening /dev/ptmx: it allocates a new pair and
// returns a vfs.Ops bound to its master side (spec.md §4.5 "Lifecycle":
// the ptmx open is what transitions Free -> Allocated).
func (p *Pool) OpenMaster() (*vfs.Ops, *Pair, error) {
	pr, err := p.Allocate()
	if err != nil {
		return nil, nil, err
	}
	return masterOps(p, pr), pr, nil
}
