package logger

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"
)

// goroutineID parses the id from the header of the goroutine's stack trace.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := bytes.Fields(bytes.TrimPrefix(buf, []byte("goroutine ")))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[0]), 10, 64)
	return id
}

// shortCaller trims the caller "file:line" down to the package directory,
// ie "crank/tracker/tracker.go:146".
func shortCaller(i any) string {
	caller, _ := i.(string)
	if caller == "" {
		return caller
	}
	dir, file := filepath.Split(caller)
	dir = filepath.Clean(dir)
	parent := filepath.Base(filepath.Dir(dir))
	return filepath.ToSlash(filepath.Join(parent, filepath.Base(dir), file))
}
