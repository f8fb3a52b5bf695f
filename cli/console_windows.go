// console_windows.go - Console size changes by polling
//go:build windows

package main

import (
	"time"

	"golang.org/x/term"
)

// resizePoll is how often the console size is checked; Windows consoles
// have no resize signal
const resizePoll = 500 * time.Millisecond

// watchResize calls fn with the new size whenever the console is resized
func watchResize(fd int, fn func(cols, rows int)) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(resizePoll)
		defer ticker.Stop()
		lastW, lastH, _ := term.GetSize(fd)
		for {
			select {
			case <-ticker.C:
				w, h, err := term.GetSize(fd)
				if err != nil || (w == lastW && h == lastH) {
					continue
				}
				lastW, lastH = w, h
				fn(w, h)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
