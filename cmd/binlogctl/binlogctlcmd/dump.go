package binlogctlcmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/gtid"
	mbp "go.gazette.dev/binlog/mainboilerplate"
)

type cmdDump struct {
	GTIDPos string `long:"gtid-pos" description:"Dump event groups following this GTID position (eg, '0-1-100,1-2-7')"`
	Data    bool   `long:"data" description:"Also print the data of each event group"`
}

func init() {
	CommandRegistry.AddCommand("", "dump", "Print committed event groups", `
Print event groups of the binlog, from the earliest retained generation
or, if --gtid-pos is given, from the GTID position.

Each event group is printed as its GTID, the generation and offset of its
commit record, and its size. Out-of-band data is assembled with the
inline data of its commit.

Print event groups following a GTID position, with their data:
>    binlogctl dump --gtid-pos 0-1-100 --data
`, &cmdDump{})
}

func (cmd *cmdDump) Execute([]string) error {
	startup()

	var pos, err = gtid.ParseState(cmd.GTIDPos)
	mbp.Must(err, "invalid --gtid-pos")

	var store, _ = openStore(context.Background())
	defer func() { mbp.Must(store.Close(), "failed to close binlog") }()

	return dumpEvents(store, os.Stdout, pos, cmd.GTIDPos != "", cmd.Data)
}

// dumpEvents writes event groups of the Store to |w|. If |fromPos|, event
// groups included in |pos| are skipped.
func dumpEvents(store *binlog.Store, w io.Writer, pos gtid.State, fromPos, data bool) error {
	var er *binlog.EventReader

	if fromPos {
		var r, state, err = store.NewReaderAtGTID(pos, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# starting from GTID state %q\n", state.String())
		er = binlog.NewEventReader(r)
	} else {
		er = store.NewEventReader(false)
	}
	defer er.Close()

	for {
		var ev, err = er.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if g, ok := pos.Get(ev.GTID.Domain); fromPos && ok && ev.GTID.SeqNo <= g.SeqNo {
			continue
		}
		fmt.Fprintf(w, "%s\t%d:%d\t%d\n", ev.GTID, ev.FileNo, ev.Offset, len(ev.Data))
		if data {
			fmt.Fprintf(w, "%q\n", ev.Data)
		}
	}
}
