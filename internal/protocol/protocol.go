// Package protocol implements the line-oriented ASCII wire protocol
// described in spec §6: one command per line, dispatched onto
// internal/manager operations and rendered back to the literal reply
// strings the table there specifies.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/calvinalkan/hlld/internal/config"
	"github.com/calvinalkan/hlld/internal/herrors"
	"github.com/calvinalkan/hlld/internal/hll"
	"github.com/calvinalkan/hlld/internal/manager"
	"github.com/calvinalkan/hlld/internal/sketch"
)

// Handler dispatches decoded command lines onto a Manager. It holds no
// per-connection state beyond the clientID passed into Handle, so a single
// Handler may be shared by every connection.
type Handler struct {
	mgr    *manager.Manager
	global config.Global
	logger *zap.Logger
}

// New constructs a Handler. global supplies the defaults create falls back
// to when a command omits precision/eps/in_memory.
func New(mgr *manager.Manager, global config.Global, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{mgr: mgr, global: global, logger: logger}
}

// Handle decodes one command line (already stripped of its trailing
// "\r\n"/"\n") and returns the full reply text, including trailing
// newlines, ready to write back to the connection verbatim.
func (h *Handler) Handle(clientID, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "Client Error: Command not supported\n"
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "create":
		return h.handleCreate(clientID, args)
	case "list":
		return h.handleList(clientID, args)
	case "drop":
		return h.handleNamedOp(args, func(name string) error { return h.mgr.Drop(clientID, name) })
	case "close":
		return h.handleNamedOp(args, func(name string) error { return h.mgr.Unmap(clientID, name) })
	case "clear":
		return h.handleNamedOp(args, func(name string) error { return h.mgr.Clear(clientID, name) })
	case "set", "s":
		return h.handleSet(clientID, args)
	case "bulk", "b":
		return h.handleBulk(clientID, args)
	case "info":
		return h.handleInfo(clientID, args)
	case "flush":
		return h.handleFlush(clientID, args)
	default:
		return "Client Error: Command not supported\n"
	}
}

func (h *Handler) handleNamedOp(args []string, op func(name string) error) string {
	if len(args) < 1 {
		return "Client Error: Must provide set name\n"
	}

	return replyFor(op(args[0]))
}

func (h *Handler) handleSet(clientID string, args []string) string {
	if len(args) < 2 {
		return "Client Error: Must provide set name and key\n"
	}

	return replyFor(h.mgr.AddKeys(clientID, args[0], [][]byte{[]byte(args[1])}))
}

func (h *Handler) handleBulk(clientID string, args []string) string {
	if len(args) < 2 {
		return "Client Error: Must provide set name and key\n"
	}

	keys := make([][]byte, len(args)-1)
	for i, k := range args[1:] {
		keys[i] = []byte(k)
	}

	return replyFor(h.mgr.AddKeys(clientID, args[0], keys))
}

func (h *Handler) handleCreate(clientID string, args []string) string {
	if len(args) < 1 {
		return "Client Error: Must provide set name\n"
	}

	opts, err := h.parseCreateOpts(args[1:])
	if err != nil {
		return "Client Error: Bad arguments\n"
	}

	return replyFor(h.mgr.Create(clientID, args[0], opts))
}

// parseCreateOpts returns nil (lazy defaults, faults in on first add) when
// the command carried no precision=/eps=/in_memory= overrides, matching
// spec §4.5.4's "otherwise faults in lazily".
func (h *Handler) parseCreateOpts(kvArgs []string) (*sketch.Options, error) {
	if len(kvArgs) == 0 {
		return nil, nil
	}

	precision := h.global.DefaultPrecision
	eps := h.global.DefaultEPS
	inMemory := h.global.InMemory

	var sawPrecision bool

	for _, kv := range kvArgs {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed option %q", kv)
		}

		switch key {
		case "precision":
			p, err := strconv.ParseUint(val, 10, 8)
			if err != nil || p < hll.MinPrecision || p > hll.MaxPrecision {
				return nil, fmt.Errorf("invalid precision %q", val)
			}

			precision = uint8(p)
			sawPrecision = true
			eps = hll.ErrorForPrecision(precision)

		case "eps":
			e, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid eps %q", val)
			}

			if !sawPrecision {
				p, ok := hll.PrecisionForError(e)
				if !ok {
					return nil, fmt.Errorf("eps %q unachievable", val)
				}

				precision = p
			}

			eps = hll.ErrorForPrecision(precision)

		case "in_memory":
			inMemory = val == "1"

		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}

	return &sketch.Options{
		Precision: precision,
		EPS:       eps,
		InMemory:  inMemory,
		UseMmap:   h.global.UseMmap,
	}, nil
}

func (h *Handler) handleList(clientID string, args []string) string {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}

	var b strings.Builder

	b.WriteString("START\n")

	for _, s := range h.mgr.List(clientID, prefix) {
		fmt.Fprintf(&b, "%s %g %d %d %d\n", s.Name, s.EPS, s.Precision, s.ByteSize, s.SizeEstimate)
	}

	b.WriteString("END\n")

	return b.String()
}

func (h *Handler) handleInfo(clientID string, args []string) string {
	if len(args) < 1 {
		return "Client Error: Must provide set name\n"
	}

	info, err := h.mgr.Info(clientID, args[0])
	if err != nil {
		return replyFor(err)
	}

	var b strings.Builder

	b.WriteString("START\n")
	fmt.Fprintf(&b, "in_memory %d\n", boolToInt(info.InMemory))
	fmt.Fprintf(&b, "page_ins %d\n", info.PageIns)
	fmt.Fprintf(&b, "page_outs %d\n", info.PageOuts)
	fmt.Fprintf(&b, "eps %g\n", info.EPS)
	fmt.Fprintf(&b, "precision %d\n", info.Precision)
	fmt.Fprintf(&b, "sets %d\n", info.Sets)
	fmt.Fprintf(&b, "size %d\n", info.Size)
	fmt.Fprintf(&b, "storage %s\n", info.Storage)
	b.WriteString("END\n")

	return b.String()
}

func (h *Handler) handleFlush(clientID string, args []string) string {
	if len(args) == 0 {
		for _, s := range h.mgr.List(clientID, "") {
			_ = h.mgr.Flush(clientID, s.Name)
		}

		return "Done\n"
	}

	return replyFor(h.mgr.Flush(clientID, args[0]))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func replyFor(err error) string {
	if err == nil {
		return "Done\n"
	}

	kind, ok := herrors.As(err)
	if !ok {
		return "Internal Error\n"
	}

	switch kind {
	case herrors.KindNotFound:
		return "Set does not exist\n"
	case herrors.KindExists:
		return "Exists\n"
	case herrors.KindDeletePending:
		return "Delete in progress\n"
	case herrors.KindNotProxied:
		return "Set is not proxied. Close it first.\n"
	case herrors.KindBadArguments:
		return "Client Error: Bad arguments\n"
	default:
		return "Internal Error\n"
	}
}
