//go:build linux

package worker

import (
	"golang.org/x/sys/unix"
)

// pinThread は呼び出し元のOSスレッドをcpuに固定する
// runtime.LockOSThread の後に呼ぶこと
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
