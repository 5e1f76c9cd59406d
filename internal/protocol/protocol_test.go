package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/hlld/internal/config"
	"github.com/calvinalkan/hlld/internal/manager"
	"github.com/calvinalkan/hlld/internal/protocol"
)

func newTestHandler(t *testing.T) (*protocol.Handler, *manager.Manager) {
	t.Helper()

	global := config.DefaultGlobal()
	global.DefaultPrecision = 10

	m, err := manager.New(t.TempDir(), global, nil)
	require.NoError(t, err)

	return protocol.New(m, global, nil), m
}

func Test_Create_ThenList_ThenDrop(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Done\n", h.Handle("c1", "create foo"))
	require.Equal(t, "Exists\n", h.Handle("c1", "create foo"))

	list := h.Handle("c1", "list")
	require.True(t, strings.HasPrefix(list, "START\n"))
	require.Contains(t, list, "foo ")
	require.True(t, strings.HasSuffix(list, "END\n"))

	require.Equal(t, "Done\n", h.Handle("c1", "drop foo"))
	require.Equal(t, "Set does not exist\n", h.Handle("c1", "drop foo"))
}

func Test_Create_WithEpsOverride_NoExplicitPrecision(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Done\n", h.Handle("c1", "create foo eps=0.01"))

	info := h.Handle("c1", "info foo")
	require.Contains(t, info, "precision 14\n")
}

func Test_Set_And_Bulk_OnMissingSet(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Set does not exist\n", h.Handle("c1", "set missing k1"))
	require.Equal(t, "Set does not exist\n", h.Handle("c1", "bulk missing k1 k2"))
}

func Test_Set_And_Bulk_AddKeys(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Done\n", h.Handle("c1", "create foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "set foo k1"))
	require.Equal(t, "Done\n", h.Handle("c1", "bulk foo k2 k3 k4"))
}

func Test_Clear_RequiresProxied(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Done\n", h.Handle("c1", "create foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "set foo k1")) // faults in, now resident

	require.Equal(t, "Set is not proxied. Close it first.\n", h.Handle("c1", "clear foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "close foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "clear foo"))
}

func Test_UnknownCommand(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Client Error: Command not supported\n", h.Handle("c1", "bogus"))
	require.Equal(t, "Client Error: Command not supported\n", h.Handle("c1", ""))
}

func Test_MissingArguments(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Client Error: Must provide set name\n", h.Handle("c1", "create"))
	require.Equal(t, "Client Error: Must provide set name\n", h.Handle("c1", "drop"))
	require.Equal(t, "Client Error: Must provide set name and key\n", h.Handle("c1", "set foo"))
	require.Equal(t, "Client Error: Must provide set name and key\n", h.Handle("c1", "bulk foo"))
}

func Test_Create_RejectsBadOption(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Client Error: Bad arguments\n", h.Handle("c1", "create foo precision=99"))
	require.Equal(t, "Client Error: Bad arguments\n", h.Handle("c1", "create foo bogus"))
}

func Test_Flush_SingleAndAll(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Done\n", h.Handle("c1", "create foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "flush foo"))
	require.Equal(t, "Done\n", h.Handle("c1", "flush"))
	require.Equal(t, "Set does not exist\n", h.Handle("c1", "flush missing"))
}

func Test_Info_MissingSet(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)

	require.Equal(t, "Client Error: Must provide set name\n", h.Handle("c1", "info"))
	require.Equal(t, "Set does not exist\n", h.Handle("c1", "info missing"))
}
