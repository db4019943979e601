package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"wos/internal/pty"
	"wos/internal/vfs"
)

// interpreter is a tiny kernel-resident command shell driven over the
// slave side of a pty pair. Real process execution (an ELF loader
// running arbitrary userspace binaries) is out of scope here; this
// plays the role of an early-bring-up single-binary shell exercising
// the VFS through a handful of built-ins, the way a recovery or
// init-script shell would before any real init binary is loadable.
type interpreter struct {
	v    *vfs.VFS
	fds  *vfs.FDTable
	cwd  string
}

func newInterpreter(v *vfs.VFS) *interpreter {
	return &interpreter{v: v, fds: vfs.NewFDTable(), cwd: "/"}
}

// run executes one line, returning its textual output and whether the
// shell should exit.
func (sh *interpreter) run(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case "exit", "quit":
		return "", true
	case "pwd":
		return sh.cwd + "\n", false
	case "cd":
		if len(fields) < 2 {
			sh.cwd = "/"
			return "", false
		}
		sh.cwd = resolvePath(sh.cwd, fields[1])
		return "", false
	case "ls":
		target := sh.cwd
		if len(fields) >= 2 {
			target = resolvePath(sh.cwd, fields[1])
		}
		return sh.ls(target), false
	case "cat":
		if len(fields) < 2 {
			return "cat: missing operand\n", false
		}
		return sh.cat(resolvePath(sh.cwd, fields[1])), false
	case "mounts":
		return sh.mounts(), false
	case "help":
		return "built-ins: ls cd pwd cat mounts exit\n", false
	default:
		return fmt.Sprintf("%s: command not found\n", fields[0]), false
	}
}

func resolvePath(cwd, arg string) string {
	if strings.HasPrefix(arg, "/") {
		return arg
	}
	if cwd == "/" {
		return "/" + arg
	}
	return cwd + "/" + arg
}

func (sh *interpreter) ls(path string) string {
	fd, err := sh.v.Open(sh.fds, path, 0, 0)
	if err != nil {
		return fmt.Sprintf("ls: %s: %v\n", path, err)
	}
	defer sh.fds.Close(fd)
	f, err := sh.fds.Get(fd)
	if err != nil {
		return fmt.Sprintf("ls: %s: %v\n", path, err)
	}
	entries, err := f.Readdir()
	if err != nil {
		return fmt.Sprintf("ls: %s: %v\n", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		if e.IsDir {
			names[i] = e.Name + "/"
		} else {
			names[i] = e.Name
		}
	}
	sort.Strings(names)
	return strings.Join(names, "  ") + "\n"
}

func (sh *interpreter) cat(path string) string {
	fd, err := sh.v.Open(sh.fds, path, 0, 0)
	if err != nil {
		return fmt.Sprintf("cat: %s: %v\n", path, err)
	}
	defer sh.fds.Close(fd)
	f, err := sh.fds.Get(fd)
	if err != nil {
		return fmt.Sprintf("cat: %s: %v\n", path, err)
	}
	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if n == 0 || err != nil {
			break
		}
	}
	out.WriteByte('\n')
	return out.String()
}

func (sh *interpreter) mounts() string {
	var out strings.Builder
	for _, mp := range sh.v.Mounts() {
		fmt.Fprintf(&out, "%s\t%s\n", mp.Path, mp.FSKind)
	}
	return out.String()
}

// driveLineDiscipline runs the shell's read/execute/write loop over
// pr's slave side until the shell exits or the pair is released.
func driveLineDiscipline(sh *interpreter, pr *pty.Pair, done chan<- struct{}) {
	buf := make([]byte, 4096)
	var line strings.Builder
	pr.SlaveWrite([]byte("$ "))
	for {
		n, err := pr.SlaveRead(buf)
		if n == 0 {
			if err == nil {
				// Master side closed and the ring ran dry: EOF.
				close(done)
				return
			}
			// Would-block: nothing queued yet, try again shortly.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for _, b := range buf[:n] {
			if b == '\n' {
				out, exit := sh.run(line.String())
				line.Reset()
				pr.SlaveWrite([]byte(out))
				if exit {
					close(done)
					return
				}
				pr.SlaveWrite([]byte("$ "))
			} else {
				line.WriteByte(b)
			}
		}
	}
}
