package binlogctlcmd

import (
	"context"
	"io"
	"os"

	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/gtid"
	mbp "go.gazette.dev/binlog/mainboilerplate"
	"go.gazette.dev/binlog/protocol"
	"gopkg.in/yaml.v2"
)

type cmdStatus struct{}

func init() {
	CommandRegistry.AddCommand("", "status", "Print the status of the binlog", `
Open and recover the binlog, and print its write position, GTID state,
and the lifecycle state of each generation as YAML.
`, &cmdStatus{})
}

func (cmd *cmdStatus) Execute([]string) error {
	startup()

	var store, tracker = openStore(context.Background())
	defer func() { mbp.Must(store.Close(), "failed to close binlog") }()

	return writeStatus(store, tracker, os.Stdout)
}

type status struct {
	FileNo      uint64             `yaml:"fileNo"`
	Offset      uint64             `yaml:"offset"`
	Position    string             `yaml:"position"`
	GTIDState   string             `yaml:"gtidState"`
	Generations []generationStatus `yaml:"generations"`
}

type generationStatus struct {
	FileNo uint64 `yaml:"fileNo"`
	State  string `yaml:"state"`
}

func writeStatus(store *binlog.Store, tracker gtid.Tracker, w io.Writer) error {
	var fileNo, offset = store.Status()
	var out = status{
		FileNo:    fileNo,
		Offset:    offset,
		Position:  protocol.NewPosition(fileNo, offset, store.Config().PageSizeShift).String(),
		GTIDState: tracker.Current().String(),
	}

	var files, err = store.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		out.Generations = append(out.Generations, generationStatus{FileNo: f, State: store.GenState(f).String()})
	}

	b, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
