package txstate

// Visitor receives the changes of a TxState. Storage engines implement it to
// turn changes into commands; decorators wrap another Visitor to enforce
// constraints or capture change data on the way through.
type Visitor interface {
	VisitCreatedNode(id uint64) error
	VisitDeletedNode(id uint64) error
	VisitNodeLabelChanges(id uint64, added, removed []string) error
	VisitNodePropertyChanges(id uint64, set map[string]any, removed []string) error
	VisitCreatedRelationship(id uint64, relType string, start, end uint64) error
	VisitDeletedRelationship(id uint64) error
	VisitRelationshipPropertyChanges(id uint64, set map[string]any, removed []string) error
	VisitAddedIndex(index IndexDescriptor) error
	VisitRemovedIndex(index IndexDescriptor) error
	Close() error
}

// Adapter forwards every call to Next. Decorators embed it and override the
// callbacks they care about. A nil Next swallows the calls.
type Adapter struct {
	Next Visitor
}

var _ Visitor = Adapter{}

func (a Adapter) VisitCreatedNode(id uint64) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitCreatedNode(id)
}

func (a Adapter) VisitDeletedNode(id uint64) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitDeletedNode(id)
}

func (a Adapter) VisitNodeLabelChanges(id uint64, added, removed []string) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitNodeLabelChanges(id, added, removed)
}

func (a Adapter) VisitNodePropertyChanges(id uint64, set map[string]any, removed []string) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitNodePropertyChanges(id, set, removed)
}

func (a Adapter) VisitCreatedRelationship(id uint64, relType string, start, end uint64) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitCreatedRelationship(id, relType, start, end)
}

func (a Adapter) VisitDeletedRelationship(id uint64) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitDeletedRelationship(id)
}

func (a Adapter) VisitRelationshipPropertyChanges(id uint64, set map[string]any, removed []string) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitRelationshipPropertyChanges(id, set, removed)
}

func (a Adapter) VisitAddedIndex(index IndexDescriptor) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitAddedIndex(index)
}

func (a Adapter) VisitRemovedIndex(index IndexDescriptor) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.VisitRemovedIndex(index)
}

func (a Adapter) Close() error {
	if a.Next == nil {
		return nil
	}
	return a.Next.Close()
}
