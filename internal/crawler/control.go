package crawler

import (
	"bufio"
	"io"
	"strings"

	"github.com/phuslu/log"

	"github.com/ternarybob/nuntius/internal/models"
)

// ControlReader turns supervisor stdin lines into control commands. Unknown
// lines are logged and ignored. EOF closes the channel; a vanished
// supervisor pipe is not itself a reason to stop crawling.
type ControlReader struct {
	commands chan string
}

func NewControlReader(r io.Reader) *ControlReader {
	cr := &ControlReader{commands: make(chan string, 4)}
	go cr.read(r)
	return cr
}

// Commands delivers PAUSE/RESUME/STOP in arrival order
func (cr *ControlReader) Commands() <-chan string {
	return cr.commands
}

func (cr *ControlReader) read(r io.Reader) {
	defer close(cr.commands)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		switch cmd {
		case "":
		case models.WorkerControlPause, models.WorkerControlResume, models.WorkerControlStop:
			cr.commands <- cmd
		default:
			log.Warn().Str("line", scanner.Text()).Msg("Ignoring unknown control line")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Control stream read failed")
	}
}
