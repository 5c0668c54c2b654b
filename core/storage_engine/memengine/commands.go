package memengine

import (
	"sort"

	"github.com/sushant-115/gojotx/core/memory"
	storageengine "github.com/sushant-115/gojotx/core/storage_engine"
	"github.com/sushant-115/gojotx/core/txstate"
)

// commandCreator is the innermost visitor: it turns changes into commands
// and charges each command to the transaction's tracker.
type commandCreator struct {
	tracker  memory.Tracker
	commands []storageengine.Command
	charged  int64
}

var _ txstate.Visitor = (*commandCreator)(nil)

func (c *commandCreator) add(cmd storageengine.Command) error {
	if c.tracker != nil {
		size := cmd.Size()
		if err := c.tracker.AllocateHeap(size); err != nil {
			return err
		}
		c.charged += size
	}
	c.commands = append(c.commands, cmd)
	return nil
}

// release returns the charged bytes when command creation is abandoned.
func (c *commandCreator) release() {
	if c.tracker != nil && c.charged > 0 {
		c.tracker.ReleaseHeap(c.charged)
	}
	c.charged = 0
	c.commands = nil
}

func (c *commandCreator) VisitCreatedNode(id uint64) error {
	return c.add(storageengine.Command{Type: storageengine.CmdNodeCreate, EntityID: id})
}

func (c *commandCreator) VisitDeletedNode(id uint64) error {
	return c.add(storageengine.Command{Type: storageengine.CmdNodeDelete, EntityID: id})
}

func (c *commandCreator) VisitNodeLabelChanges(id uint64, added, removed []string) error {
	for _, l := range added {
		if err := c.add(storageengine.Command{Type: storageengine.CmdNodeAddLabel, EntityID: id, Key: l}); err != nil {
			return err
		}
	}
	for _, l := range removed {
		if err := c.add(storageengine.Command{Type: storageengine.CmdNodeRemoveLabel, EntityID: id, Key: l}); err != nil {
			return err
		}
	}
	return nil
}

func (c *commandCreator) VisitNodePropertyChanges(id uint64, set map[string]any, removed []string) error {
	return c.propertyCommands(id, set, removed, storageengine.CmdNodeSetProperty, storageengine.CmdNodeRemoveProperty)
}

func (c *commandCreator) VisitCreatedRelationship(id uint64, relType string, start, end uint64) error {
	return c.add(storageengine.Command{
		Type:     storageengine.CmdRelationshipCreate,
		EntityID: id,
		RelType:  relType,
		Start:    start,
		End:      end,
	})
}

func (c *commandCreator) VisitDeletedRelationship(id uint64) error {
	return c.add(storageengine.Command{Type: storageengine.CmdRelationshipDelete, EntityID: id})
}

func (c *commandCreator) VisitRelationshipPropertyChanges(id uint64, set map[string]any, removed []string) error {
	return c.propertyCommands(id, set, removed,
		storageengine.CmdRelationshipSetProperty, storageengine.CmdRelationshipRemoveProperty)
}

func (c *commandCreator) VisitAddedIndex(index txstate.IndexDescriptor) error {
	idx := index
	return c.add(storageengine.Command{Type: storageengine.CmdIndexCreate, Index: &idx})
}

func (c *commandCreator) VisitRemovedIndex(index txstate.IndexDescriptor) error {
	idx := index
	return c.add(storageengine.Command{Type: storageengine.CmdIndexDrop, Index: &idx})
}

func (c *commandCreator) Close() error { return nil }

func (c *commandCreator) propertyCommands(id uint64, set map[string]any, removed []string,
	setType, removeType storageengine.CommandType) error {
	for _, key := range sortedPropertyKeys(set) {
		raw, err := storageengine.EncodeValue(set[key])
		if err != nil {
			return err
		}
		if err := c.add(storageengine.Command{Type: setType, EntityID: id, Key: key, Value: raw}); err != nil {
			return err
		}
	}
	for _, key := range removed {
		if err := c.add(storageengine.Command{Type: removeType, EntityID: id, Key: key}); err != nil {
			return err
		}
	}
	return nil
}

func sortedPropertyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
