package binlogctlcmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.gazette.dev/binlog/binlog"
	mbp "go.gazette.dev/binlog/mainboilerplate"
)

type cmdPurge struct {
	UpTo uint64 `long:"up-to" required:"true" description:"Purge generations before this one"`
}

func init() {
	CommandRegistry.AddCommand("", "purge", "Purge old generations", `
Remove generation files before --up-to, in order.

Purging stops at the first generation which cannot be removed: the active
generation and its predecessor, and generations which hold out-of-band data
of event groups committed in retained generations, are never purged.
`, &cmdPurge{})
}

func (cmd *cmdPurge) Execute([]string) error {
	startup()

	var store, _ = openStore(context.Background())
	var err = store.Purge(cmd.UpTo)
	mbp.Must(store.Close(), "failed to close binlog")

	if errors.Cause(err) == binlog.ErrPurgeBlocked {
		fmt.Printf("purge stopped early: %s\n", err)
		return nil
	}
	return err
}
