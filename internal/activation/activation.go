package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd hands over (after stdin/out/err)
const firstFD = 3

// Listen returns the HTTP listener for the service. A socket passed by
// systemd socket activation takes precedence over addr; activated reports
// which one was used.
func Listen(addr string) (l net.Listener, activated bool, err error) {
	count, err := activatedFDs(os.Getenv("LISTEN_PID"), os.Getenv("LISTEN_FDS"), os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if count == 0 {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return l, false, nil
	}

	if count > 1 {
		return nil, false, fmt.Errorf("expected a single activated socket, got %d", count)
	}

	file := os.NewFile(uintptr(firstFD), "systemd-socket")
	if file == nil {
		return nil, false, fmt.Errorf("failed to create file for fd %d", firstFD)
	}
	// net.FileListener dups the descriptor
	defer func() {
		_ = file.Close()
	}()

	l, err = net.FileListener(file)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}

	// child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return l, true, nil
}

// activatedFDs returns how many sockets systemd passed to process pid. Zero
// means no activation, including activation meant for another process.
func activatedFDs(listenPID, listenFDs string, pid int) (int, error) {
	if listenPID == "" || listenFDs == "" {
		return 0, nil
	}

	target, err := strconv.Atoi(listenPID)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", listenPID, err)
	}
	if target != pid {
		return 0, nil
	}

	n, err := strconv.Atoi(listenFDs)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", listenFDs, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}
