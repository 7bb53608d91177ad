package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MinFreeBytes is the free space below which the data volume check fails.
const MinFreeBytes uint64 = 512 << 20

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace verifies the volume holding path has at least min bytes
// available to unprivileged users.
func CheckFreeSpace(name, path string, min uint64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := st.Bavail * uint64(st.Bsize)
	detail := fmt.Sprintf("%s (%s free)", path, formatBytes(free))
	if free < min {
		return Result{Name: name, Detail: detail + fmt.Sprintf(", need %s", formatBytes(min))}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckQueue verifies the queue backend answers a ping.
func CheckQueue(ctx context.Context, backend string, queue Pinger) Result {
	name := "Queue (" + backend + ")"
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queue.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeNetError("ping", err)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckStageEndpoint verifies the stage worker answers its health probe.
func CheckStageEndpoint(ctx context.Context, endpoint string) Result {
	const name = "Stage workers"

	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError("health check", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: base + " reachable"}
}

// summarizeNetError produces a human-readable summary for probe failures.
func summarizeNetError(op string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return op + " timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return op + " timed out (service unreachable)"
	}
	return fmt.Sprintf("%s failed (%v)", op, err)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
