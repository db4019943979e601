// Package ttyconst holds the stable Linux tty ioctl ABI numbers and
// termios flag bits spec.md §6 requires (the "Ioctl numeric ABI
// (stable)" table and the device-node major/minor conventions). TCGETS,
// TCSETS, TIOCGWINSZ and TIOCSWINSZ are cross-checked against
// golang.org/x/sys/unix's equivalents at package init, so a typo in one
// of those fails loudly in any binary that imports this package; the
// other values are not checked.
package ttyconst

import "golang.org/x/sys/unix"

// Ioctl command numbers (spec.md §6 "Ioctl numeric ABI (stable)").
const (
	TIOCGPTN   = 0x80045430
	TIOCSPTLCK = 0x40045431
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	TIOCSCTTY  = 0x540E
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCNOTTY  = 0x5422
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TCFLSH     = 0x540B
)

// Device major numbers (spec.md §6 "Device node conventions").
const (
	MajorMem   = 1
	MajorTTY   = 4
	MajorTTYAux = 5
	MajorPTS   = 136
	MajorBlock = 8

	MinorNull    = 3
	MinorZero    = 5
	MinorURandom = 9
	MinorConsole = 1
	MinorPtmx    = 2
)

// Input flags (termios c_iflag).
const (
	IGNCR = 0000200
	ICRNL = 0000400
	INLCR = 0000100
	ISTRIP = 0000040
	IXON  = 0002000
)

// Output flags (termios c_oflag).
const (
	OPOST = 0000001
	ONLCR = 0000004
)

// Control flags (termios c_cflag).
const (
	CS8     = 0000060
	CREAD   = 0000200
	CLOCAL  = 0004000
)

// Local flags (termios c_lflag).
const (
	ISIG   = 0000001
	ICANON = 0000002
	ECHO   = 0000010
	ECHOE  = 0000020
	ECHOK  = 0000040
	IEXTEN = 0100000
	NOFLSH = 0000200
)

// Control-character array indices (termios c_cc), stable positions per
// spec.md §4.5.
const (
	VINTR = iota
	VQUIT
	VERASE
	VKILL
	VEOF
	VTIME
	VMIN
	VSTART
	VSTOP
	VSUSP
	VEOL
)

// NCC is the size of the control-character array.
const NCC = 32

// TCFLSH queue selectors.
const (
	TCIFLUSH  = 0
	TCOFLUSH  = 1
	TCIOFLUSH = 2
)

func init() {
	// Cross-check the handful of numbers golang.org/x/sys/unix also
	// defines for Linux; a mismatch here means this package's ABI table
	// has drifted from the kernel's, which every ioctl dispatch in
	// internal/pty depends on being exact.
	mustEqual("TCGETS", TCGETS, unix.TCGETS)
	mustEqual("TCSETS", TCSETS, unix.TCSETS)
	mustEqual("TIOCGWINSZ", TIOCGWINSZ, unix.TIOCGWINSZ)
	mustEqual("TIOCSWINSZ", TIOCSWINSZ, unix.TIOCSWINSZ)
}

func mustEqual(name string, want, got int) {
	if want != got {
		panic("ttyconst: " + name + " diverges from golang.org/x/sys/unix")
	}
}
