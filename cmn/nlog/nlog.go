// Package nlog is cs-reco's line logger: leveled, timestamped, backed by a
// small fixed buffer so a single log call never allocates more than once.
/*
 * Adapted for cs-reco from the teacher's cmn/nlog package.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const bufSize = 2048

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
	fb            = &fixed{buf: make([]byte, bufSize)}
)

// SetOutput redirects all subsequent log lines; tests use this to capture
// output instead of writing to stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

type fixed struct {
	buf  []byte
	woff int
}

var _ io.Writer = (*fixed)(nil)

func (fb *fixed) Write(p []byte) (int, error) {
	n := copy(fb.buf[fb.woff:], p)
	fb.woff += n
	return len(p), nil // silent discard on overflow
}

func (fb *fixed) writeString(s string) { fb.woff += copy(fb.buf[fb.woff:], s) }

func (fb *fixed) reset() { fb.woff = 0 }

func (fb *fixed) eol() {
	if fb.avail() > 0 && (fb.woff == 0 || fb.buf[fb.woff-1] != '\n') {
		fb.buf[fb.woff] = '\n'
		fb.woff++
	}
}

func (fb *fixed) avail() int { return cap(fb.buf) - fb.woff }

func line(level, msg string) {
	mu.Lock()
	defer mu.Unlock()
	fb.reset()
	fb.writeString(time.Now().Format("2006-01-02T15:04:05.000"))
	fb.writeString(" ")
	fb.writeString(level)
	fb.writeString(" ")
	fb.writeString(msg)
	fb.eol()
	out.Write(fb.buf[:fb.woff])
}

func Infoln(args ...any)            { line("I", fmt.Sprintln(args...)) }
func Infof(f string, args ...any)   { line("I", fmt.Sprintf(f, args...)) }
func Warningln(args ...any)         { line("W", fmt.Sprintln(args...)) }
func Warningf(f string, args ...any) { line("W", fmt.Sprintf(f, args...)) }
func Errorln(args ...any)           { line("E", fmt.Sprintln(args...)) }
func Errorf(f string, args ...any)  { line("E", fmt.Sprintf(f, args...)) }
