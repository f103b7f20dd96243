package kemu

import (
	"runtime"
)

// getGoroutineID parses the current goroutine's ID from its stack header.
// Used to recognise the worker goroutine and to track mutex ownership.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
