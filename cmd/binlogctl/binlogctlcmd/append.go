package binlogctlcmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/gtid"
	mbp "go.gazette.dev/binlog/mainboilerplate"
	"go.gazette.dev/binlog/protocol"
)

type cmdAppend struct {
	Domain       uint32 `long:"domain" default:"0" description:"GTID domain of appended event groups"`
	Server       uint32 `long:"server" default:"1" description:"GTID server of appended event groups"`
	OOBThreshold string `long:"oob-threshold" default:"64KiB" description:"Event groups larger than this are written out-of-band, in pieces"`
	PieceSize    string `long:"piece-size" default:"16KiB" description:"Size of out-of-band pieces"`
	Flush        bool   `long:"flush" description:"Rotate to a new generation after appending"`
}

func init() {
	CommandRegistry.AddCommand("", "append", "Append event groups read from stdin", `
Append each line read from stdin to the binlog as an event group.

Event groups are assigned GTIDs of the --domain and --server, having
sequence numbers which follow the last GTID of the domain. Lines larger
than --oob-threshold are written as out-of-band data of --piece-size
pieces, followed by a commit which references them.

Append a file of events, and rotate to a new generation:
>    binlogctl append --flush < events.txt
`, &cmdAppend{})
}

func (cmd *cmdAppend) Execute([]string) error {
	startup()

	var threshold, err = humanize.ParseBytes(cmd.OOBThreshold)
	mbp.Must(err, "invalid --oob-threshold")
	pieceSize, err := humanize.ParseBytes(cmd.PieceSize)
	mbp.Must(err, "invalid --piece-size")

	var store, tracker = openStore(context.Background())
	var count, pos, aerr = appendLines(store, tracker, os.Stdin, cmd.Domain, cmd.Server, threshold, int(pieceSize))

	if aerr == nil && cmd.Flush {
		aerr = store.Flush()
	}
	mbp.Must(store.Close(), "failed to close binlog")
	mbp.Must(aerr, "failed to append")

	fmt.Printf("appended %d event groups (last at %s)\n", count, pos)
	return nil
}

// appendLines commits each line of |r| as an event group. It returns the
// number of commits and the Position of the last.
func appendLines(store *binlog.Store, tracker gtid.Tracker, r io.Reader, domain, server uint32,
	threshold uint64, pieceSize int) (int, protocol.Position, error) {

	var seqNo uint64
	if g, ok := tracker.Current().Get(domain); ok {
		seqNo = g.SeqNo
	}
	if pieceSize <= 0 {
		pieceSize = 1
	}

	var scanner = bufio.NewScanner(r)
	scanner.Buffer(nil, 64*1024*1024)

	var count int
	var pos protocol.Position

	for scanner.Scan() {
		var line = scanner.Bytes()
		var g = gtid.GTID{Domain: domain, Server: server, SeqNo: seqNo + 1}
		var err error

		if threshold != 0 && uint64(len(line)) > threshold {
			var c = store.NewOOBContext()
			for b := line; len(b) != 0 && err == nil; {
				var n = min(len(b), pieceSize)
				err, b = c.Write(b[:n]), b[n:]
			}
			if err == nil {
				pos, err = store.Commit(g, nil, c)
			}
			if err != nil {
				c.Rollback()
			}
		} else {
			pos, err = store.Commit(g, line, nil)
		}
		if err != nil {
			return count, pos, err
		}
		seqNo, count = seqNo+1, count+1

		log.WithFields(log.Fields{"gtid": g, "size": len(line), "pos": pos}).Debug("appended event group")
	}
	return count, pos, scanner.Err()
}
