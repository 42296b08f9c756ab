package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	// Global writer for console output
	writer io.Writer = os.Stdout

	// Mutex for thread-safe console output
	mu sync.Mutex

	// Track if we're in a progress display mode
	inProgress bool

	// ANSI color codes
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"

	// ANSI cursor control
	clearLine = "\r\033[K"

	colorsSupported = isTerminal()
)

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetWriter sets the output writer (useful for testing)
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	writer = w
}

func color(text, colorCode string) string {
	if !colorsSupported {
		return text
	}
	return colorCode + text + colorReset
}

// Print outputs a message to the console
func Print(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if inProgress {
		fmt.Fprint(writer, clearLine)
	}

	fmt.Fprintln(writer, fmt.Sprintf(format, args...))
	inProgress = false
}

// Info outputs an info message
func Info(format string, args ...interface{}) {
	Print("["+color("INFO", colorBlue)+"] "+format, args...)
}

// Success outputs a success message in green
func Success(format string, args ...interface{}) {
	Print("["+color("OK", colorGreen)+"] "+format, args...)
}

// Warning outputs a warning message in yellow
func Warning(format string, args ...interface{}) {
	Print("["+color("WARN", colorYellow)+"] "+format, args...)
}

// Error outputs an error message in red
func Error(format string, args ...interface{}) {
	Print("["+color("ERROR", colorRed)+"] "+format, args...)
}

// Status outputs a status message in cyan
func Status(format string, args ...interface{}) {
	Print("["+color("*", colorCyan)+"] "+format, args...)
}

// Progress rewrites the current line on a terminal. Elsewhere every update
// is its own line.
func Progress(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if !colorsSupported {
		fmt.Fprintln(writer, msg)
		return
	}
	fmt.Fprint(writer, clearLine+msg)
	inProgress = true
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Transfer describes an image download for display.
type Transfer struct {
	File        string
	Blocks      int
	TotalBlocks int
	BlockSize   int
}

func (t Transfer) String() string {
	pct := 0
	if t.TotalBlocks > 0 {
		pct = t.Blocks * 100 / t.TotalBlocks
	}
	return fmt.Sprintf("%s %s %3d%% %d/%d blocks %s", t.File, gauge(t.Blocks, t.TotalBlocks, 24),
		pct, t.Blocks, t.TotalBlocks, FormatBytes(int64(t.Blocks)*int64(t.BlockSize)))
}

// gauge draws done out of total in width cells.
func gauge(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = min(max(done, 0)*width/total, width)
	}
	return "|" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "|"
}
