package raop

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// dumper writes per-packet raw ciphertext and decoded PCM files for
// offline analysis. It is only constructed when Options.DumpPath is
// set; write failures are logged and otherwise ignored so a full disk
// cannot disturb the stream.
type dumper struct {
	dir string
}

func newDumper(dir string) (*dumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump directory: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "newDumper",
		"dir":      dir,
	}).Info("Packet dumping enabled")
	return &dumper{dir: dir}, nil
}

func (d *dumper) writeRaw(seq uint16, data []byte) {
	d.write(fmt.Sprintf("raw_%d", seq), data)
}

func (d *dumper) writePCM(seq uint16, data []byte) {
	d.write(fmt.Sprintf("pcm_%d", seq), data)
}

func (d *dumper) write(name string, data []byte) {
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dumper.write",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Packet dump write failed")
	}
}
