// Package command implements CommandHandler: table-driven dispatch from
// parsed RESP argument vectors to kv.DataStore operations, plus the
// METASET/TAGADD/HOTSET/OBJSET/GRAPH.* synthetic-key extension commands
// and MULTI/EXEC transaction queueing. Grounded on the source's
// CommandHandler.{hpp,cpp}.
package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/metrics"
	"github.com/duorou/mcs/pkg/aof"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/mcdb"
	"github.com/duorou/mcs/pkg/resp"
)

// commandFunc is one dispatch-table entry, mirroring the source's
// CommandFunction typedef.
type commandFunc func(h *Handler, args []string) string

// Handler is the CommandHandler: stateless apart from its DataStore and
// the default persistence paths SAVE/BGREWRITEAOF fall back to.
type Handler struct {
	store    *kv.DataStore
	log      mcslog.Logger
	aofPath  string
	mcdbPath string

	table map[string]commandFunc
}

// New constructs a Handler bound to store. aofPath/mcdbPath are the
// defaults used by BGREWRITEAOF (no path arg) and SAVE respectively.
func New(store *kv.DataStore, log mcslog.Logger, aofPath, mcdbPath string) *Handler {
	if log == nil {
		log = mcslog.Nop()
	}
	h := &Handler{store: store, log: log, aofPath: aofPath, mcdbPath: mcdbPath}
	h.table = map[string]commandFunc{
		"MULTI":        multiCmd,
		"EXEC":         execCmd,
		"DISCARD":      discardCmd,
		"WATCH":        watchCmd,
		"UNWATCH":      unwatchCmd,
		"RENAME":       renameCmd,
		"SCAN":         scanCmd,
		"PING":         pingCmd,
		"SET":          setCmd,
		"GET":          getCmd,
		"DEL":          delCmd,
		"EXISTS":       existsCmd,
		"INCR":         incrCmd,
		"SETNX":        setNumericCmd,
		"GETNX":        getNumericCmd,
		"VSET":         setNumericCmd,
		"VGET":         getNumericCmd,
		"SELECT":       selectCmd,
		"PEXPIRE":      pexpireCmd,
		"PTTL":         pttlCmd,
		"SAVE":         saveCmd,
		"INFO":         infoCmd,
		"KEYS":         keysCmd,
		"FLUSHDB":      flushdbCmd,
		"FLUSHALL":     flushallCmd,
		"BGREWRITEAOF": bgrewriteaofCmd,

		"METASET": metasetCmd,
		"METAGET": metagetCmd,
		"TAGADD":  tagaddCmd,
		"HOTSET":  hotsetCmd,

		"OBJSET": objsetCmd,
		"OBJGET": objgetCmd,

		"GRAPH.ADDEDGE":   graphAddEdgeCmd,
		"GRAPH.NEIGHBORS": graphNeighborsCmd,
	}
	return h
}

// txControlCommands never get queued by MULTI — they control the
// transaction itself.
var txControlCommands = map[string]bool{
	"MULTI": true, "EXEC": true, "DISCARD": true, "WATCH": true, "UNWATCH": true,
}

// Handle dispatches one fully-parsed command vector and returns its
// RESP reply. Handler functions never propagate unchecked failures to
// the caller — any panic surfaces as a -ERR reply, matching the
// source's catch(const std::exception&) boundary.
func (h *Handler) Handle(args []string) (reply string) {
	if len(args) == 0 {
		return resp.Error("Empty command")
	}
	name := strings.ToUpper(args[0])

	defer func() {
		if r := recover(); r != nil {
			metrics.CommandErrors.WithLabelValues(name).Inc()
			reply = resp.Error(fmt.Sprintf("%v", r))
		}
	}()

	if h.store.InMulti() && !txControlCommands[name] {
		if _, ok := h.table[name]; !ok {
			metrics.CommandErrors.WithLabelValues(name).Inc()
			return resp.Error("Unknown command")
		}
		h.store.QueueCommand(append([]string{name}, args[1:]...))
		return "+QUEUED\r\n"
	}

	fn, ok := h.table[name]
	if !ok {
		metrics.CommandErrors.WithLabelValues(name).Inc()
		return resp.Error("Unknown command")
	}

	// EXEC takes the store's command lock itself, exclusively, across
	// the whole queued block (see execCmd); every other command takes
	// it shared for its own duration only, so EXEC can never observe —
	// or be interrupted by — a partial command from another connection.
	if name != "EXEC" {
		h.store.RLockCommand()
		defer h.store.RUnlockCommand()
	}

	metrics.CommandsProcessed.WithLabelValues(name).Inc()
	reply = fn(h, args)
	if strings.HasPrefix(reply, "-") {
		metrics.CommandErrors.WithLabelValues(name).Inc()
	}
	return reply
}

// dispatchQueued applies one transaction-queued command directly
// through the dispatch table. Unlike Handle, it never touches the
// store's command lock — callers must already hold it (exclusively)
// for the duration of the whole queued block.
func (h *Handler) dispatchQueued(args []string) (reply string) {
	name := strings.ToUpper(args[0])
	defer func() {
		if r := recover(); r != nil {
			metrics.CommandErrors.WithLabelValues(name).Inc()
			reply = resp.Error(fmt.Sprintf("%v", r))
		}
	}()

	fn, ok := h.table[name]
	if !ok {
		metrics.CommandErrors.WithLabelValues(name).Inc()
		return resp.Error("Unknown command")
	}

	metrics.CommandsProcessed.WithLabelValues(name).Inc()
	reply = fn(h, args)
	if strings.HasPrefix(reply, "-") {
		metrics.CommandErrors.WithLabelValues(name).Inc()
	}
	return reply
}

func wrongArgs(cmd string) string {
	return resp.Error(fmt.Sprintf("wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

// --- transaction control ---

func multiCmd(h *Handler, args []string) string {
	h.store.Multi()
	return resp.OK()
}

func execCmd(h *Handler, args []string) string {
	h.store.LockCommand()
	defer h.store.UnlockCommand()

	queued, err := h.store.Exec()
	if err != nil {
		return resp.Error(err.Error())
	}
	replies := make([]string, 0, len(queued))
	for _, cmd := range queued {
		replies = append(replies, h.dispatchQueued(cmd))
	}
	return resp.Array(replies)
}

func discardCmd(h *Handler, args []string) string {
	h.store.Discard()
	return resp.OK()
}

func watchCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return wrongArgs("WATCH")
	}
	if h.store.Watch(args[1]) {
		return resp.OK()
	}
	return resp.Error("Watch failed")
}

func unwatchCmd(h *Handler, args []string) string {
	h.store.Unwatch()
	return resp.OK()
}

// --- keyspace ---

func setCmd(h *Handler, args []string) string {
	if len(args) < 3 {
		return wrongArgs("SET")
	}
	h.store.Set(args[1], args[2])
	return resp.OK()
}

func getCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return resp.Error("wrong number of arguments for 'get' command")
	}
	v, ok := h.store.Get(args[1])
	if !ok {
		return resp.NilBulkString()
	}
	return resp.BulkString(v)
}

func delCmd(h *Handler, args []string) string {
	if len(args) < 2 {
		return wrongArgs("DEL")
	}
	return resp.Integer(int64(h.store.Del(args[1:]...)))
}

func existsCmd(h *Handler, args []string) string {
	if len(args) < 2 {
		return wrongArgs("EXISTS")
	}
	return resp.Integer(int64(h.store.Exists(args[1:]...)))
}

func keysCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return wrongArgs("KEYS")
	}
	keys := h.store.Keys(args[1])
	sort.Strings(keys)
	return resp.BulkStringArray(keys)
}

func scanCmd(h *Handler, args []string) string {
	if len(args) < 2 {
		return wrongArgs("SCAN")
	}
	count := 10
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return resp.Error("invalid count")
		}
		count = n
	}
	keys := h.store.Scan(args[1], count)
	sort.Strings(keys)
	return resp.BulkStringArray(keys)
}

func renameCmd(h *Handler, args []string) string {
	if len(args) != 3 {
		return wrongArgs("RENAME")
	}
	if h.store.Rename(args[1], args[2]) {
		return resp.OK()
	}
	return resp.Error("No such key")
}

func selectCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return wrongArgs("SELECT")
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return resp.Error("Invalid DB index")
	}
	if h.store.Select(idx) {
		return resp.OK()
	}
	return resp.Error("Invalid DB index")
}

func flushdbCmd(h *Handler, args []string) string {
	if len(args) != 1 {
		return wrongArgs("FLUSHDB")
	}
	h.store.FlushDB()
	return resp.OK()
}

func flushallCmd(h *Handler, args []string) string {
	h.store.FlushAll()
	return resp.OK()
}

func pingCmd(h *Handler, args []string) string { return resp.Pong() }

func pexpireCmd(h *Handler, args []string) string {
	if len(args) != 3 {
		return wrongArgs("PEXPIRE")
	}
	if h.store.Exists(args[1]) == 0 {
		return resp.Integer(0)
	}
	ms, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return resp.Error("invalid expiry")
	}
	h.store.Pexpire(args[1], ms)
	return resp.Integer(1)
}

func pttlCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return wrongArgs("PTTL")
	}
	return resp.Integer(h.store.Pttl(args[1]))
}

func incrCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return wrongArgs("INCR")
	}
	n, err := h.store.Incr(args[1])
	if err != nil {
		return resp.Error(err.Error())
	}
	return resp.Integer(n)
}

func setNumericCmd(h *Handler, args []string) string {
	if len(args) < 3 {
		return resp.Error("wrong number of arguments for 'setnx' command")
	}
	vals := make([]float32, 0, len(args)-2)
	for _, a := range args[2:] {
		f, err := strconv.ParseFloat(a, 32)
		if err != nil {
			return resp.Error(err.Error())
		}
		vals = append(vals, float32(f))
	}
	if h.store.SetNumeric(args[1], vals) {
		return resp.OK()
	}
	return resp.Error("Failed to set numeric values")
}

func getNumericCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return resp.Error("wrong number of arguments for 'getnx' command")
	}
	vals := h.store.GetNumeric(args[1])
	if len(vals) == 0 {
		return resp.EmptyArray()
	}
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = trimFloat(v)
	}
	return resp.BulkStringArray(strs)
}

func trimFloat(v float32) string {
	s := strconv.FormatFloat(float64(v), 'f', 6, 32)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}

func saveCmd(h *Handler, args []string) string {
	if err := mcdb.Save(h.store, h.mcdbPath); err != nil {
		return resp.Error("Failed to save RDB")
	}
	return resp.OK()
}

func infoCmd(h *Handler, args []string) string {
	return resp.BulkString(h.store.Info())
}

func bgrewriteaofCmd(h *Handler, args []string) string {
	target := h.aofPath
	if len(args) > 2 {
		return wrongArgs("BGREWRITEAOF")
	}
	if len(args) == 2 {
		target = args[1]
	}
	if err := aof.Rewrite(h.store, target); err != nil {
		return resp.Error("AOF rewrite failed")
	}
	return resp.OK()
}

// --- synthetic key extensions ---

func metaKey(key, field string) string { return "__meta:" + key + ":" + field }

func metasetCmd(h *Handler, args []string) string {
	if len(args) != 4 {
		return resp.Error("wrong number of arguments for 'metaset' command")
	}
	h.store.Set(metaKey(args[1], args[2]), args[3])
	return resp.OK()
}

func metagetCmd(h *Handler, args []string) string {
	if len(args) < 2 || len(args) > 3 {
		return resp.Error("wrong number of arguments for 'metaget' command")
	}
	key := args[1]
	if len(args) == 3 {
		v, ok := h.store.Get(metaKey(key, args[2]))
		if !ok {
			return resp.NilBulkString()
		}
		return resp.BulkString(v)
	}
	prefix := "__meta:" + key + ":"
	keys := h.store.Keys(prefix + "*")
	sort.Strings(keys)
	if len(keys) == 0 {
		return resp.EmptyArray()
	}
	pairs := make([]string, 0, len(keys)*2)
	for _, mk := range keys {
		field := strings.TrimPrefix(mk, prefix)
		v, _ := h.store.Get(mk)
		pairs = append(pairs, resp.BulkString(field), resp.BulkString(v))
	}
	return resp.Array(pairs)
}

func tagaddCmd(h *Handler, args []string) string {
	if len(args) < 3 {
		return resp.Error("wrong number of arguments for 'tagadd' command")
	}
	tagKey := metaKey(args[1], "tags")
	existing, _ := h.store.Get(tagKey)
	tags := map[string]struct{}{}
	for _, t := range strings.Split(existing, ",") {
		if t != "" {
			tags[t] = struct{}{}
		}
	}
	for _, t := range args[2:] {
		if t != "" {
			tags[t] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tags))
	for t := range tags {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	h.store.Set(tagKey, strings.Join(sorted, ","))
	return resp.OK()
}

func hotsetCmd(h *Handler, args []string) string {
	if len(args) != 3 {
		return resp.Error("wrong number of arguments for 'hotset' command")
	}
	key, score := args[1], args[2]
	h.store.Set(metaKey(key, "hot_score"), score)
	isHot := "0"
	if f, err := strconv.ParseFloat(score, 32); err == nil && f >= 5.0 {
		isHot = "1"
	}
	h.store.Set(metaKey(key, "hot"), isHot)
	return resp.OK()
}

func objKey(key, field string) string { return "__obj:" + key + ":" + field }

func objsetCmd(h *Handler, args []string) string {
	if len(args) != 4 {
		return resp.Error("wrong number of arguments for 'objset' command")
	}
	key, mime, data := args[1], args[2], args[3]
	h.store.Set(objKey(key, "data"), data)
	h.store.Set(objKey(key, "mime"), mime)
	return resp.OK()
}

func objgetCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return resp.Error("wrong number of arguments for 'objget' command")
	}
	key := args[1]
	data, ok := h.store.Get(objKey(key, "data"))
	if !ok {
		return resp.EmptyArray()
	}
	mime, _ := h.store.Get(objKey(key, "mime"))
	return resp.Array([]string{resp.BulkString(mime), resp.BulkString(data)})
}

func graphAdjKey(id string) string { return "__graph:adj:" + id }

func graphAddEdgeCmd(h *Handler, args []string) string {
	if len(args) != 4 {
		return resp.Error("wrong number of arguments for 'graph.addedge' command")
	}
	from, rel, to := args[1], args[2], args[3]
	adjKey := graphAdjKey(from)
	cur, _ := h.store.Get(adjKey)
	if cur != "" {
		cur += ","
	}
	cur += rel + ":" + to
	h.store.Set(adjKey, cur)
	return resp.OK()
}

func graphNeighborsCmd(h *Handler, args []string) string {
	if len(args) != 2 {
		return resp.Error("wrong number of arguments for 'graph.neighbors' command")
	}
	cur, ok := h.store.Get(graphAdjKey(args[1]))
	if !ok || cur == "" {
		return resp.EmptyArray()
	}
	return resp.BulkStringArray(strings.Split(cur, ","))
}
