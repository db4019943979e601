package main

import (
	"crypto/rand"

	"wos/internal/devfs"
	"wos/internal/ttyconst"
)

// registerStandardDevices wires the device nodes every boot needs
// before any driver-specific mount runs: /dev/null, /dev/zero,
// /dev/urandom, and a bare /dev/console placeholder for early output
// before a real tty is attached (spec.md §6 device-node conventions).
func registerStandardDevices(reg *devfs.Registry) {
	reg.Register(&devfs.Device{
		Name: "null", Major: ttyconst.MajorMem, Minor: ttyconst.MinorNull,
		Ops: devfs.CharDeviceOps{
			Read:  func(*devfs.Device, []byte) (int, error) { return 0, nil },
			Write: func(_ *devfs.Device, buf []byte) (int, error) { return len(buf), nil },
		},
	})

	reg.Register(&devfs.Device{
		Name: "zero", Major: ttyconst.MajorMem, Minor: ttyconst.MinorZero,
		Ops: devfs.CharDeviceOps{
			Read: func(_ *devfs.Device, buf []byte) (int, error) {
				for i := range buf {
					buf[i] = 0
				}
				return len(buf), nil
			},
			Write: func(_ *devfs.Device, buf []byte) (int, error) { return len(buf), nil },
		},
	})

	reg.Register(&devfs.Device{
		Name: "urandom", Major: ttyconst.MajorMem, Minor: ttyconst.MinorURandom,
		Ops: devfs.CharDeviceOps{
			Read: func(_ *devfs.Device, buf []byte) (int, error) {
				return rand.Read(buf)
			},
			Write: func(_ *devfs.Device, buf []byte) (int, error) { return len(buf), nil },
		},
	})

	reg.Register(&devfs.Device{
		Name: "console", Major: ttyconst.MajorTTY, Minor: ttyconst.MinorConsole,
		Ops: devfs.CharDeviceOps{
			Write:  func(_ *devfs.Device, buf []byte) (int, error) { return len(buf), nil },
			Isatty: func(*devfs.Device) bool { return true },
		},
	})
}
