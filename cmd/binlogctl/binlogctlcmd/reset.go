package binlogctlcmd

import (
	"context"

	"github.com/pkg/errors"
	mbp "go.gazette.dev/binlog/mainboilerplate"
)

type cmdReset struct {
	Yes bool `long:"yes" description:"Confirm that all generations are to be removed"`
}

func init() {
	CommandRegistry.AddCommand("", "reset", "Remove all generations, beginning an empty binlog", `
Remove every generation file of the binlog, and begin a new and empty log
at generation zero. This cannot be undone: --yes must be given.
`, &cmdReset{})
}

func (cmd *cmdReset) Execute([]string) error {
	startup()

	if !cmd.Yes {
		return errors.New("reset removes all generations: confirm with --yes")
	}
	var store, _ = openStore(context.Background())
	var err = store.Reset()
	mbp.Must(store.Close(), "failed to close binlog")
	return err
}
