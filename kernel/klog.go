package kernel

import "fmt"
import "sync"

// Klog_t is the kernel's ring-buffer log. boot-time and lifecycle events
// land here; the buffer holds the most recent entries and old ones fall
// off the end.
type Klog_t struct {
	sync.Mutex
	lines []string
	next  int
	full  bool
}

func Mklog(n int) *Klog_t {
	if n <= 0 {
		n = 64
	}
	return &Klog_t{lines: make([]string, n)}
}

func (l *Klog_t) Printf(format string, args ...interface{}) {
	l.Lock()
	l.lines[l.next] = fmt.Sprintf(format, args...)
	l.next++
	if l.next == len(l.lines) {
		l.next = 0
		l.full = true
	}
	l.Unlock()
}

// Lines returns the buffered entries, oldest first.
func (l *Klog_t) Lines() []string {
	l.Lock()
	defer l.Unlock()
	var out []string
	if l.full {
		out = append(out, l.lines[l.next:]...)
	}
	out = append(out, l.lines[:l.next]...)
	res := make([]string, 0, len(out))
	for _, ln := range out {
		if ln != "" {
			res = append(res, ln)
		}
	}
	return res
}
