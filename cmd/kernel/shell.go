package main

import (
	"time"

	"github.com/gdamore/tcell/v2"

	"wos/internal/pty"
)

// runInteractiveShell allocates a pty pair, starts the kernel-resident
// command interpreter on its slave side, and renders the master side
// in a tcell screen: keystrokes go to MasterWrite, whatever the line
// discipline echoes or the shell prints comes back through MasterRead
// and is drawn a row at a time (spec.md §4.5 "a pty pair's master and
// slave sides act as a pipe pair with canonical-mode editing applied
// in between").
func runInteractiveShell(k *Kernel) error {
	pr, err := k.TTYs.Allocate()
	if err != nil {
		return err
	}
	defer k.TTYs.Release(pr.Index())

	sh := newInterpreter(k.VFS)
	shellDone := make(chan struct{})
	go driveLineDiscipline(sh, pr, shellDone)

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	screen.SetStyle(tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorBlack))
	screen.Clear()

	row, col := 0, 0
	_, height := screen.Size()
	style := tcell.StyleDefault

	writeByte := func(b byte) {
		switch b {
		case '\n':
			row++
			col = 0
		case '\r':
			col = 0
		default:
			screen.SetContent(col, row, rune(b), nil, style)
			col++
		}
		if row >= height {
			screen.Clear()
			row, col = 0, 0
		}
	}

	events := make(chan tcell.Event, 16)
	go screen.ChannelEvents(events, nil)

	drainOutput := func() bool {
		buf := make([]byte, 4096)
		n, _ := pr.MasterRead(buf)
		if n == 0 {
			return false
		}
		for _, b := range buf[:n] {
			writeByte(b)
		}
		screen.Show()
		return true
	}

	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-shellDone:
			return nil
		case ev := <-events:
			switch e := ev.(type) {
			case *tcell.EventKey:
				switch e.Key() {
				case tcell.KeyCtrlC:
					return nil
				case tcell.KeyEnter:
					pr.MasterWrite([]byte{'\n'})
				case tcell.KeyBackspace, tcell.KeyBackspace2:
					pr.MasterWrite([]byte{0x7F})
				case tcell.KeyRune:
					pr.MasterWrite([]byte(string(e.Rune())))
				}
			case *tcell.EventResize:
				_, height = screen.Size()
				screen.Sync()
			}
		case <-ticker.C:
			drainOutput()
		}
	}
}
