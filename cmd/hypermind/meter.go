package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// levelMeter redraws a single status line. Callbacks arrive from more than
// one goroutine.
type levelMeter struct {
	mu    sync.Mutex
	w     io.Writer
	width int
	state string
	level float64
}

func newLevelMeter(w io.Writer, width int) *levelMeter {
	return &levelMeter{w: w, width: width, state: "idle"}
}

func (m *levelMeter) draw(level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = min(max(level, 0), 1)
	m.render()
}

func (m *levelMeter) status(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.render()
}

// println prints text above the meter line.
func (m *levelMeter) println(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, "\r\033[K%s\n", text)
	m.render()
}

func (m *levelMeter) render() {
	n := int(m.level*float64(m.width) + 0.5)
	fmt.Fprintf(m.w, "\r\033[K[%s%s] %-12s", strings.Repeat("#", n), strings.Repeat(" ", m.width-n), m.state)
}
