// Package progress provides the default progress_hook implementation used
// by the CLI: a terminal progress bar when stdout is a TTY, and a quiet
// no-op otherwise (so piping output to a log file doesn't fill it with
// carriage-return spam).
package progress

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Hook returns a {done,total} callback suitable for downloader.Config's
// OnProgress, rendering a bar labeled with title when stdout is a TTY.
func Hook(title string) func(done, total int) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return func(int, int) {}
	}

	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(title),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(30),
			)
		}
		_ = bar.Set(done)
		if done == total {
			fmt.Println()
			color.New(color.FgGreen).Printf("%s: done (%d/%d chapters)\n", title, done, total)
		}
	}
}
