package binlogctlcmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/lifecycle"
	mbp "go.gazette.dev/binlog/mainboilerplate"
	"go.gazette.dev/binlog/protocol"
)

type cmdGenerations struct{}

func init() {
	CommandRegistry.AddCommand("", "generations", "List generation files", `
List the generation files of the binlog directory, with their headers and
the GTID state at the start of each.

The directory is read directly: the binlog should not be open by another
process, as generations it holds in memory are not reflected.
`, &cmdGenerations{})
}

func (cmd *cmdGenerations) Execute([]string) error {
	startup()
	return listGenerations(fs, baseCfg.Binlog.Dir, baseCfg.Binlog.PageSizeShift, os.Stdout)
}

// generation is a summary of a generation file.
type generation struct {
	FileNo    uint64
	Size      int64
	Activated bool
	Header    protocol.FileHeader
	State     string
}

func readGenerations(fs afero.Fs, dir string, shift uint32) ([]generation, error) {
	var files, err = lifecycle.ListFiles(fs, dir)
	if err != nil {
		return nil, err
	}
	var r = binlog.NewFileReader(fs, dir, shift)
	defer r.Close()

	var out []generation
	for _, fileNo := range files {
		var g = generation{FileNo: fileNo}

		var info os.FileInfo
		if info, err = fs.Stat(filepath.Join(dir, protocol.FileName(fileNo))); err != nil {
			return nil, err
		}
		g.Size = info.Size()

		if g.Header, err = lifecycle.ReadHeader(fs, dir, fileNo); err == nil {
			g.Activated = true
		} else if !protocol.IsCorruption(err) {
			return nil, err
		}

		if g.Activated {
			var state, ok, serr = binlog.GenerationState(r, fileNo)
			switch {
			case serr != nil:
				g.State = fmt.Sprintf("<error: %s>", serr)
			case ok:
				g.State = state.String()
			default:
				g.State = "<none>"
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func listGenerations(fs afero.Fs, dir string, shift uint32, w io.Writer) error {
	var gens, err = readGenerations(fs, dir, shift)
	mbp.Must(err, "failed to read generations", "dir", dir)

	var table = tablewriter.NewWriter(w)
	table.Header("File", "Size", "Pages", "Start LSN", "State Interval", "OOB Ref", "XA Ref", "GTID State")

	for _, g := range gens {
		var row = []string{
			protocol.FileName(g.FileNo),
			humanize.IBytes(uint64(g.Size)),
		}
		if g.Activated {
			row = append(row,
				fmt.Sprintf("%d", g.Header.PageCount),
				fmt.Sprintf("%d", g.Header.StartLSN),
				fmt.Sprintf("%d", g.Header.DiffStateInterval),
				fmt.Sprintf("%d", g.Header.OOBRefFileNo),
				fmt.Sprintf("%d", g.Header.XARefFileNo),
				g.State,
			)
		} else {
			row = append(row, "<not activated>", "", "", "", "", "")
		}
		_ = table.Append(row)
	}
	return table.Render()
}
