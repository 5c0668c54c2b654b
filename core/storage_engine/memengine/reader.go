package memengine

import (
	"sort"

	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

type reader struct {
	engine *Engine
}

func (r *reader) node(ctx *storageengine.CursorContext, id uint64) (*node, bool) {
	n, ok := r.engine.nodes[id]
	if ok {
		ctx.Tracer().Hit()
	} else {
		ctx.Tracer().Fault()
	}
	return n, ok
}

func (r *reader) NodeExists(ctx *storageengine.CursorContext, id uint64) bool {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	_, ok := r.node(ctx, id)
	return ok
}

func (r *reader) NodeLabels(ctx *storageengine.CursorContext, id uint64) []string {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	n, ok := r.node(ctx, id)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.labels))
	for l := range n.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (r *reader) NodeProperty(ctx *storageengine.CursorContext, id uint64, key string) (any, bool) {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	n, ok := r.node(ctx, id)
	if !ok {
		return nil, false
	}
	v, ok := n.props[key]
	return v, ok
}

func (r *reader) NodeRelationships(ctx *storageengine.CursorContext, id uint64) []uint64 {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	n, ok := r.node(ctx, id)
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(n.rels))
	for rel := range n.rels {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *reader) RelationshipExists(ctx *storageengine.CursorContext, id uint64) bool {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	_, ok := r.engine.rels[id]
	if ok {
		ctx.Tracer().Hit()
	} else {
		ctx.Tracer().Fault()
	}
	return ok
}

func (r *reader) IndexByName(name string) (txstate.IndexDescriptor, bool) {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	idx, ok := r.engine.indexes[name]
	return idx, ok
}

func (r *reader) IndexesForLabel(label string) []txstate.IndexDescriptor {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	var out []txstate.IndexDescriptor
	for _, idx := range r.engine.indexes {
		if idx.Label == label {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *reader) FindNodes(ctx *storageengine.CursorContext, label, key string, value any) []uint64 {
	r.engine.mu.RLock()
	defer r.engine.mu.RUnlock()
	var out []uint64
	for id, n := range r.engine.nodes {
		if _, ok := n.labels[label]; !ok {
			continue
		}
		if v, ok := n.props[key]; ok && storageengine.ValuesEqual(v, value) {
			out = append(out, id)
		}
	}
	ctx.Tracer().Hit()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *reader) Close() error { return nil }
