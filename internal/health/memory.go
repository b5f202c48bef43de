package health

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

var errStatm = errors.New("health: unexpected statm contents")

// sampleMemory returns resident and virtual size in bytes. /proc is read
// directly where it exists; other platforms go through gopsutil.
func sampleMemory() (rss, vsz uint64, err error) {
	rss, vsz, err = readStatm("/proc/self/statm")
	if err == nil {
		return rss, vsz, nil
	}
	proc, perr := process.NewProcess(int32(os.Getpid()))
	if perr != nil {
		return 0, 0, fmt.Errorf("health: sample memory: %w", errors.Join(err, perr))
	}
	info, perr := proc.MemoryInfo()
	if perr != nil {
		return 0, 0, fmt.Errorf("health: sample memory: %w", errors.Join(err, perr))
	}
	return info.RSS, info.VMS, nil
}

// readStatm parses the size and resident fields, both in pages.
func readStatm(path string) (rss, vsz uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return 0, 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, errStatm
	}
	sizePages, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, errStatm
	}
	residentPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, errStatm
	}
	page := uint64(os.Getpagesize())
	return residentPages * page, sizePages * page, nil
}
