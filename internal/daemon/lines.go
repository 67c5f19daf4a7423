package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"

	"bookaware/internal/components/telemetry"
)

const report_lines_read = "lines.read"

// ReadLines streams the newline terminated lines of `r` into the returned channel, which is
// closed once `r` is exhausted or ctx is done. A trailing line without a newline is dropped,
// blank lines are skipped.
//
// The reading goroutine stays blocked on `r` until it returns, so `r` should be closed by
// the caller when it is not stdin.
func ReadLines(ctx context.Context, r io.Reader, tel telemetry.API) <-chan []byte {
	lines := make(chan []byte, 16)

	go func() {
		defer close(lines)

		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					tel.ReportWarning(report_lines_read, err)
				} else if len(bytes.TrimSpace(line)) > 0 {
					tel.ReportWarning(report_lines_read, "dropping incomplete line at end of input", string(line))
				}
				return
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines
}
