package daemon

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/maildeck/maildeck/internal/atomicio"
)

// ReadPID returns the PID recorded in the pid file, or 0 when the file
// is missing or unreadable.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// ProcessAlive reports whether a process with the given PID exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// AcquirePIDFile claims the pid file for this process. A file pointing
// at a live process is an error; a stale file is replaced.
func AcquirePIDFile(path string) error {
	if pid := ReadPID(path); pid != 0 && ProcessAlive(pid) {
		return eris.Errorf("daemon already running (pid %d)", pid)
	}
	return atomicio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"))
}

// ReleasePIDFile removes the pid file when it still belongs to us.
func ReleasePIDFile(path string) {
	if ReadPID(path) == os.Getpid() {
		os.Remove(path)
	}
}

// SignalDaemon sends sig to the recorded daemon process.
func SignalDaemon(path string, sig syscall.Signal) error {
	pid := ReadPID(path)
	if pid == 0 {
		return eris.New("daemon is not running")
	}
	if !ProcessAlive(pid) {
		os.Remove(path)
		return eris.Errorf("stale pid file removed (pid %d not running)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return eris.Wrap(err, "find daemon process")
	}
	return proc.Signal(sig)
}
