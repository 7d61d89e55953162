package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chatgraph/store"
)

// Channels written next to a task's state updates so a finished task can be
// replayed from its pending writes.
const (
	gotoChannel = "branch:goto"
	skipChannel = "branch:skip"
	doneChannel = "branch:done"
)

// taskNamespace seeds the name-based task ids.
var taskNamespace = uuid.MustParse("6f1d7c53-0c0e-4cbb-9d0e-2a7c7b5b8f41")

type task struct {
	name     string
	id       string
	cmd      *Command
	replayed bool
}

// loop carries the state of one run between supersteps.
type loop struct {
	r   *Runnable
	cfg Config
	em  *emitter

	// parent addresses the checkpoint the next Put descends from.
	parent   store.Config
	state    State
	versions map[string]int64
	next     []string
	pending  []store.PendingWrite
	step     int
}

func newLoop(r *Runnable, cfg Config, em *emitter) *loop {
	return &loop{
		r:        r,
		cfg:      cfg,
		em:       em,
		parent:   store.Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace},
		versions: make(map[string]int64),
		step:     -1,
	}
}

// load restores the latest (or requested) checkpoint of the thread.
func (l *loop) load(ctx context.Context) error {
	l.state = l.r.graph.schema.Init()
	if l.r.saver == nil {
		return nil
	}

	tup, err := l.r.saver.GetTuple(ctx, store.Config{
		ThreadID:     l.cfg.ThreadID,
		Namespace:    l.cfg.Namespace,
		CheckpointID: l.cfg.CheckpointID,
	})
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if tup == nil {
		return nil
	}

	l.parent = tup.Config
	l.state = maps.Clone(tup.Checkpoint.ChannelValues)
	if l.state == nil {
		l.state = l.r.graph.schema.Init()
	}
	l.versions = maps.Clone(tup.Checkpoint.ChannelVersions)
	if l.versions == nil {
		l.versions = make(map[string]int64)
	}
	l.next = tup.Checkpoint.Next
	l.pending = tup.PendingWrites
	l.step = metadataStep(tup.Metadata) + 1
	l.r.logger.Debug("loaded checkpoint %s for thread %s (next=%v, pending=%d)",
		tup.Config.CheckpointID, l.cfg.ThreadID, l.next, len(l.pending))
	return nil
}

// applyInput merges the run input and schedules the entry point. A nil input
// keeps the schedule of the loaded checkpoint.
func (l *loop) applyInput(ctx context.Context, input State) error {
	if input == nil {
		if len(l.next) == 0 {
			return ErrNothingToResume
		}
		return nil
	}

	state, err := l.r.graph.schema.Update(l.state, input)
	if err != nil {
		return fmt.Errorf("failed to apply input: %w", err)
	}
	l.state = state
	l.next = []string{l.r.graph.entryPoint}
	l.pending = nil

	changed := l.bump(slices.Collect(maps.Keys(input)))
	return l.save(ctx, "input", map[string]any{START: input}, nil, changed)
}

// tick runs one superstep: every scheduled node in parallel, then a merge
// of their updates in schedule order, then a checkpoint.
func (l *loop) tick(ctx context.Context) error {
	tasks := make([]*task, len(l.next))
	for i, name := range l.next {
		tasks[i] = &task{name: name, id: l.taskID(name)}
	}
	l.replay(tasks)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		if t.replayed {
			continue
		}
		g.Go(func() error {
			return l.execute(gctx, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	writes := make(map[string]any, len(tasks))
	var changedKeys []string
	for _, t := range tasks {
		if t.cmd == nil || len(t.cmd.Update) == 0 {
			continue
		}
		state, err := l.r.graph.schema.Update(l.state, t.cmd.Update)
		if err != nil {
			return fmt.Errorf("failed to merge update from %s: %w", t.name, err)
		}
		l.state = state
		writes[t.name] = t.cmd.Update
		changedKeys = append(changedKeys, slices.Collect(maps.Keys(t.cmd.Update))...)
	}

	next, err := l.successors(ctx, tasks)
	if err != nil {
		return err
	}
	l.next = next
	l.pending = nil

	ran := make([]string, len(tasks))
	for i, t := range tasks {
		ran[i] = t.name
	}
	return l.save(ctx, "loop", writes, ran, l.bump(changedKeys))
}

// replay marks tasks whose writes were already persisted under the loaded
// checkpoint and rebuilds their commands.
func (l *loop) replay(tasks []*task) {
	if len(l.pending) == 0 {
		return
	}
	byTask := make(map[string][]store.PendingWrite)
	for _, w := range l.pending {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	for _, t := range tasks {
		writes, ok := byTask[t.id]
		if !ok || slices.ContainsFunc(writes, func(w store.PendingWrite) bool {
			return w.Channel == store.ErrorChannel
		}) {
			continue
		}
		t.cmd = commandFromWrites(writes)
		t.replayed = true
		l.r.logger.Debug("replaying %s from %d pending writes", t.name, len(writes))
	}
}

func (l *loop) execute(ctx context.Context, t *task) error {
	node, ok := l.r.graph.nodes[t.name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, t.name)
	}

	ctx, span := l.r.tracer.Start(ctx, "graph.node", trace.WithAttributes(
		attribute.String("node", t.name),
		attribute.Int("step", l.step),
	))
	defer span.End()

	if err := l.em.emit(EventChainStart, t.name, map[string]any{"input": l.state}); err != nil {
		return err
	}

	state := maps.Clone(l.state)
	cmd, err := l.r.graph.retryPolicy.runWithRetry(ctx, func() (*Command, error) {
		return safeRun(ctx, node, state, l.cfg)
	})
	if err != nil {
		recordError(span, err)
		if l.r.saver != nil {
			// Recorded even when a sibling task cancelled ctx.
			werr := l.r.saver.PutWrites(context.WithoutCancel(ctx), l.parent,
				[]store.Write{{Channel: store.ErrorChannel, Value: err.Error()}}, t.id, t.name)
			if werr != nil {
				l.r.logger.Warn("failed to record error of node %s: %v", t.name, werr)
			}
		}
		return &NodeError{Node: t.name, Err: err}
	}
	t.cmd = cmd

	if l.r.saver != nil {
		if err := l.r.saver.PutWrites(ctx, l.parent, commandWrites(cmd), t.id, t.name); err != nil {
			return fmt.Errorf("failed to save writes of node %s: %w", t.name, err)
		}
	}

	var update map[string]any
	if cmd != nil {
		update = cmd.Update
	}
	if err := l.em.emit(EventChainStream, t.name, map[string]any{"chunk": update}); err != nil {
		return err
	}
	return l.em.emit(EventChainEnd, t.name, map[string]any{"output": cmd})
}

func safeRun(ctx context.Context, node Node, state State, cfg Config) (cmd *Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return node.Run(ctx, state, cfg)
}

// successors resolves the next superstep: a command's Goto wins over the
// node's edges, and every Skip is removed at the end.
func (l *loop) successors(ctx context.Context, tasks []*task) ([]string, error) {
	var (
		next []string
		seen = make(map[string]bool)
		skip = make(map[string]bool)
	)
	add := func(name string) {
		if name == END || seen[name] {
			return
		}
		seen[name] = true
		next = append(next, name)
	}

	for _, t := range tasks {
		if t.cmd != nil {
			for _, s := range t.cmd.Skip {
				skip[s] = true
			}
		}
		if targets := t.cmd.Targets(); len(targets) > 0 {
			for _, target := range targets {
				add(target)
			}
			continue
		}
		if cond, ok := l.r.graph.conditionalEdges[t.name]; ok {
			target := cond(ctx, l.state)
			if target == "" {
				return nil, fmt.Errorf("conditional edge returned empty next node from %s", t.name)
			}
			add(target)
			continue
		}
		found := false
		for _, e := range l.r.graph.edges {
			if e.From == t.name {
				add(e.To)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoOutgoingEdge, t.name)
		}
	}

	return slices.DeleteFunc(next, func(name string) bool { return skip[name] }), nil
}

// save writes a checkpoint for the current state and advances the step.
func (l *loop) save(ctx context.Context, source string, writes map[string]any, ran []string, changed map[string]int64) error {
	defer func() { l.step++ }()
	if l.r.saver == nil {
		return nil
	}

	cp := store.NewCheckpoint()
	cp.ChannelValues = maps.Clone(l.state)
	cp.ChannelVersions = maps.Clone(l.versions)
	for _, name := range ran {
		cp.VersionsSeen[name] = maps.Clone(l.versions)
	}
	cp.Next = slices.Clone(l.next)

	md := store.Metadata{
		"source": source,
		"step":   l.step,
		"writes": writes,
	}
	if l.parent.CheckpointID != "" {
		md["parents"] = map[string]any{l.parent.Namespace: l.parent.CheckpointID}
	}

	next, err := l.r.saver.Put(ctx, l.parent, cp, md, changed)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	l.parent = next
	return nil
}

// bump increments the version of every key in keys and returns the new versions.
func (l *loop) bump(keys []string) map[string]int64 {
	changed := make(map[string]int64, len(keys))
	for _, k := range keys {
		l.versions[k]++
		changed[k] = l.versions[k]
	}
	return changed
}

func (l *loop) taskID(node string) string {
	key := fmt.Sprintf("%s:%s:%s:%d", l.parent.Namespace, l.parent.CheckpointID, node, l.step)
	return uuid.NewSHA1(taskNamespace, []byte(key)).String()
}

func commandWrites(cmd *Command) []store.Write {
	var writes []store.Write
	if cmd != nil {
		keys := slices.Sorted(maps.Keys(cmd.Update))
		for _, k := range keys {
			writes = append(writes, store.Write{Channel: k, Value: cmd.Update[k]})
		}
		if targets := cmd.Targets(); len(targets) > 0 {
			writes = append(writes, store.Write{Channel: gotoChannel, Value: targets})
		}
		if len(cmd.Skip) > 0 {
			writes = append(writes, store.Write{Channel: skipChannel, Value: cmd.Skip})
		}
	}
	if len(writes) == 0 {
		writes = append(writes, store.Write{Channel: doneChannel, Value: true})
	}
	return writes
}

func commandFromWrites(writes []store.PendingWrite) *Command {
	cmd := &Command{Update: make(map[string]any)}
	for _, w := range writes {
		switch w.Channel {
		case doneChannel:
		case gotoChannel:
			cmd.Goto = w.Value
		case skipChannel:
			cmd.Skip = toStrings(w.Value)
		default:
			cmd.Update[w.Channel] = w.Value
		}
	}
	return cmd
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func metadataStep(md store.Metadata) int {
	switch v := md["step"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return -1
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
