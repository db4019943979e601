// Package task implements the thread/task model: Task records, per-CPU
// run queues, and the TLS/TCB layout contract a userspace ELF loader
// relies on (spec.md §4.3). Address-space and FD-table types live in
// sibling packages; Task only holds the references spec.md §3 lists.
package task

import (
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/paging"
	"wos/internal/physmem"
)

// Pid identifies a task. Pgid identifies a process group.
type Pid = int32
type Pgid = int32

// SignalHandler is the per-signal handler record from spec.md §3.
type SignalHandler struct {
	HandlerAddr  uintptr
	RestorerAddr uintptr
	Mask         uint64
	Flags        uint32
}

// Credentials bundles the uid/gid family spec.md §3 lists on Task.
type Credentials struct {
	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
}

// SavedRegs is the callee-saved register snapshot a context switch
// preserves (spec.md §4.3 "Context switch"). Go cannot swap a real stack
// pointer from managed code, so a switch here is a cooperative handoff of
// this snapshot between Task values rather than an actual stack swap
// (see SPEC_FULL.md §9 Open Question resolution).
type SavedRegs struct {
	RBX, RBP, R12, R13, R14, R15 uint64
	RSP, RIP, RFLAGS             uint64
}

// FDTableCapacity is the fixed FD-table size every task gets.
const FDTableCapacity = 256

// Task is one schedulable unit of execution.
type Task struct {
	mu sync.Mutex

	Pid        Pid
	Pgid       Pgid
	ParentPid  Pid
	Creds      Credentials
	Regs       SavedRegs
	KernelStack []byte

	SignalMask    uint64
	SignalPending uint64
	Handlers      [64]SignalHandler
	InSignal      bool // "in signal handler" flag, cleared by sigreturn

	ControllingTTY int // -1 if none
	ExePath        string

	Exited bool

	signalFrames []signalFrameEntry

	runQueueCPU int // which CPU's run queue currently owns this task, -1 if none
}

// New constructs a Task with a fresh kernel stack and FD table left to
// the caller (vfs.FDTable is constructed independently to avoid an
// import cycle with the vfs package).
func New(pid, parentPid Pid, stackSize int) *Task {
	return &Task{
		Pid:            pid,
		Pgid:           pid,
		ParentPid:      parentPid,
		KernelStack:    make([]byte, stackSize),
		ControllingTTY: -1,
		runQueueCPU:    -1,
	}
}

// Pending returns the set of signals that are pending and not masked.
func (t *Task) Pending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.SignalPending &^ t.SignalMask
}

// Raise sets a pending signal bit (signo in [1,63]).
func (t *Task) Raise(signo uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SignalPending |= 1 << signo
}

// ClearPending clears a single pending signal bit, used once
// internal/ksignal has either dispatched or discarded the signal.
func (t *Task) ClearPending(signo uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SignalPending &^= 1 << signo
}

// SignalMaskSnapshot returns the current signal mask.
func (t *Task) SignalMaskSnapshot() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.SignalMask
}

// SetSignalMask replaces the signal mask wholesale, used by
// internal/ksignal's dispatch (sa_mask merge) and sigreturn (restore).
func (t *Task) SetSignalMask(mask uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SignalMask = mask
}

// MarkExited flags the task as terminated, the default-disposition
// terminate action internal/ksignal applies once TerminateOnDefault is
// set (spec.md §4.7 item 2).
func (t *Task) MarkExited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Exited = true
}

// signalFrameEntry is one entry on the simulated user-stack signal
// frame region; frame is an opaque value owned by internal/ksignal
// (kept as interface{} here to avoid task depending on ksignal).
type signalFrameEntry struct {
	frame interface{}
	addr  uint64
}

// PushSignalFrame records a signal frame pushed at dispatch time
// (spec.md §4.7 "Dispatch" step 3).
func (t *Task) PushSignalFrame(frame interface{}, addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signalFrames = append(t.signalFrames, signalFrameEntry{frame, addr})
}

// PopSignalFrame returns and removes the most recently pushed signal
// frame, for Sigreturn to restore from (spec.md §4.7 "Sigreturn").
func (t *Task) PopSignalFrame() (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.signalFrames) == 0 {
		return nil, false
	}
	last := t.signalFrames[len(t.signalFrames)-1]
	t.signalFrames = t.signalFrames[:len(t.signalFrames)-1]
	return last.frame, true
}

// Registry is the process table: the concrete lookup table spec.md §9
// calls for in place of raw task<->run-queue back-pointers.
type Registry struct {
	mu    sync.RWMutex
	byPid map[Pid]*Task
}

// NewRegistry constructs an empty process table.
func NewRegistry() *Registry {
	return &Registry{byPid: make(map[Pid]*Task)}
}

func (r *Registry) Add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPid[t.Pid] = t
}

func (r *Registry) Remove(pid Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPid, pid)
}

func (r *Registry) Get(pid Pid) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byPid[pid]
	return t, ok
}

// GroupMembers returns every live task in the given process group, the
// lookup spec.md §8 scenario 3 (^C delivers a signal to every task in a
// pgid) needs.
func (r *Registry) GroupMembers(pgid Pgid) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.byPid {
		if t.Pgid == pgid {
			out = append(out, t)
		}
	}
	return out
}

// RunQueue is one CPU's ready queue: a FIFO of task ids guarded by a
// single lock (spec.md §4.3, §5).
type RunQueue struct {
	mu    sync.Mutex
	ready []Pid
}

// Post appends a task to this queue. Cross-CPU migration happens only
// through Post on the destination queue's lock (spec.md §3 invariant).
func (q *RunQueue) Post(pid Pid) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, pid)
}

// Process pops the head task id, or ok=false if the queue is empty.
// Round-robin is the only policy: the caller re-Posts a still-runnable
// task to the tail after it yields.
func (q *RunQueue) Process() (pid Pid, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return 0, false
	}
	pid = q.ready[0]
	q.ready = q.ready[1:]
	return pid, true
}

func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Scheduler owns one RunQueue per CPU plus the process table.
type Scheduler struct {
	Registry  *Registry
	runQueues []*RunQueue
}

// NewScheduler allocates ncpu run queues.
func NewScheduler(ncpu int) *Scheduler {
	s := &Scheduler{Registry: NewRegistry(), runQueues: make([]*RunQueue, ncpu)}
	for i := range s.runQueues {
		s.runQueues[i] = &RunQueue{}
	}
	return s
}

// Queue returns the run queue for a given CPU index.
func (s *Scheduler) Queue(cpu int) (*RunQueue, error) {
	if cpu < 0 || cpu >= len(s.runQueues) {
		return nil, errors.Wrap(kerrno.EINVAL, "task: cpu index out of range")
	}
	return s.runQueues[cpu], nil
}

// Spawn registers a task and posts it onto the given CPU's run queue.
func (s *Scheduler) Spawn(t *Task, cpu int) error {
	q, err := s.Queue(cpu)
	if err != nil {
		return err
	}
	s.Registry.Add(t)
	t.runQueueCPU = cpu
	q.Post(t.Pid)
	return nil
}

// ContextSwitch saves `from`'s callee-saved registers and restores `to`'s,
// modeling the handoff described in spec.md §4.3. Interrupts are
// conceptually disabled for the duration (represented here by the
// run-queue lock already held by the caller) and "re-enabled" by the
// resumed task's saved RFLAGS, which callers restore after this returns.
func ContextSwitch(from, to *Task, save SavedRegs) SavedRegs {
	if from != nil {
		from.Regs = save
	}
	return to.Regs
}

// --- TLS / TCB layout (spec.md §4.3) ---

const (
	// TCBSize is the fixed size of the thread control block header.
	TCBSize = 64
	// SafeStackSize is the compiler-generated secondary stack size.
	SafeStackSize = 64 * 1024
	// HighUserAnchor is the design's high anchor for TLS/stack placement.
	HighUserAnchor uintptr = 0x7FFF_0000_0000
	// GuardPageSize separates TLS and stack regions.
	GuardPageSize = physmem.PageSize
	// SafeStackMargin is subtracted from the SafeStack top to get the
	// value stored in the TLS SafeStack slot.
	SafeStackMargin = 16
	// SafeStackTLSOffset is the fixed TLS offset of the SafeStack pointer.
	SafeStackTLSOffset = 8
	// linkerMinTLSSize is the minimum TLS size the ABI's linker-embedded
	// offsets assume; smaller requests are padded up to this (spec.md
	// §4.3 "Actual TLS size").
	linkerMinTLSSize = 128
)

// TCB is the ABI-defined thread control block at the base of per-thread
// TLS storage.
type TCB struct {
	Self         uintptr // points back to the TCB's own virtual address
	DTVSize      uint64
	DTVPtr       uintptr
	ThreadID     uint64
	DidExit      uint32
	_            uint32 // padding
	StackCanary  uint64
	CancelBits   uint64
}

// ThreadLayout describes where CreateThread placed a thread's TLS block
// and stack in its target address space.
type ThreadLayout struct {
	TLSBase     uintptr
	TLSSize     uintptr // actual (possibly padded) size, including TCB+SafeStack
	StackBase   uintptr
	StackSize   uintptr
	TCBVA       uintptr
	FSBase      uintptr
	SafeStackVA uintptr
}

// actualTLSSize pads requested up to the linker-assumed minimum.
func actualTLSSize(requested uintptr) uintptr {
	if requested < linkerMinTLSSize {
		return linkerMinTLSSize
	}
	return requested
}

// CreateThread allocates TLS+TCB+SafeStack and a stack, maps them into
// space in the high user region with guard-page spacing, and initializes
// the TCB, per spec.md §4.3. zone supplies backing physical frames.
func CreateThread(space *paging.Space, zone *physmem.PhysZone, stackSize, tlsSize uintptr, threadID uint64) (ThreadLayout, error) {
	actual := actualTLSSize(tlsSize)
	tlsBlockSize := roundUpPage(actual + TCBSize + SafeStackSize)

	tlsVA := HighUserAnchor
	stackVA := tlsVA + tlsBlockSize + GuardPageSize

	if err := mapRegion(space, zone, tlsVA, tlsBlockSize, paging.Flags{Writable: true, User: true}); err != nil {
		return ThreadLayout{}, errors.Wrap(err, "task: map tls block")
	}
	if err := mapRegion(space, zone, stackVA, roundUpPage(stackSize), paging.Flags{Writable: true, User: true}); err != nil {
		return ThreadLayout{}, errors.Wrap(err, "task: map stack")
	}

	tcbVA := tlsVA + actual
	safeStackTop := tlsVA + tlsBlockSize
	safeStackVA := safeStackTop - SafeStackMargin

	layout := ThreadLayout{
		TLSBase:     tlsVA,
		TLSSize:     tlsBlockSize,
		StackBase:   stackVA,
		StackSize:   stackSize,
		TCBVA:       tcbVA,
		FSBase:      tcbVA,
		SafeStackVA: safeStackVA,
	}

	tcb := TCB{
		Self:     tcbVA,
		ThreadID: threadID,
	}
	if err := writeTCB(space, tcbVA, tcb); err != nil {
		return ThreadLayout{}, err
	}
	if err := writeUint64(space, tcbVA+SafeStackTLSOffset, uint64(safeStackVA)); err != nil {
		return ThreadLayout{}, err
	}

	return layout, nil
}

func roundUpPage(n uintptr) uintptr {
	return (n + physmem.PageSize - 1) &^ (physmem.PageSize - 1)
}

func mapRegion(space *paging.Space, zone *physmem.PhysZone, va, size uintptr, flags paging.Flags) error {
	for off := uintptr(0); off < size; off += physmem.PageSize {
		frame, err := zone.Alloc(physmem.PageSize)
		if err != nil {
			return err
		}
		if err := space.Map(va+off, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

func writeTCB(space *paging.Space, va uintptr, tcb TCB) error {
	ptr, err := space.Translate(va)
	if err != nil {
		return err
	}
	b := ptr.Bytes(TCBSize)
	putUint64(b[0:], uint64(tcb.Self))
	putUint64(b[8:], tcb.DTVSize)
	putUint64(b[16:], uint64(tcb.DTVPtr))
	putUint64(b[24:], tcb.ThreadID)
	putUint32(b[32:], tcb.DidExit)
	putUint64(b[40:], tcb.StackCanary)
	putUint64(b[48:], tcb.CancelBits)
	return nil
}

func writeUint64(space *paging.Space, va uintptr, v uint64) error {
	ptr, err := space.Translate(va &^ (physmem.PageSize - 1))
	if err != nil {
		return err
	}
	off := va & (physmem.PageSize - 1)
	b := ptr.Bytes(int(off) + 8)
	putUint64(b[off:], v)
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
