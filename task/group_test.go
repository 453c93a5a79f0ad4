package task

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGroupCancelsOnFirstError(t *testing.T) {
	var tg = NewGroup(context.Background())
	var failed = errors.New("whoops")

	tg.Queue("waits", func() error {
		<-tg.Context().Done()
		return nil
	})
	tg.Queue("fails", func() error { return failed })
	tg.GoRun()

	var err = tg.Wait()
	require.EqualError(t, err, "fails: whoops")
	require.Equal(t, failed, pkgerrors.Cause(err))
	require.Error(t, tg.Context().Err())
}

func TestGroupCancel(t *testing.T) {
	var tg = NewGroup(context.Background())
	for _, desc := range []string{"one", "two"} {
		tg.Queue(desc, func() error {
			<-tg.Context().Done()
			return nil
		})
	}
	tg.GoRun()
	tg.Cancel()
	require.NoError(t, tg.Wait())

	require.Panics(t, func() { tg.Queue("three", func() error { return nil }) })
	require.Panics(t, func() { tg.GoRun() })
}
