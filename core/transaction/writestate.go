package transaction

// writeState keeps data writes and schema writes apart. It only moves from
// writeNone to one of the other states.
type writeState uint8

const (
	writeNone writeState = iota
	writeData
	writeSchema
)

func (w writeState) String() string {
	switch w {
	case writeData:
		return "DATA"
	case writeSchema:
		return "SCHEMA"
	}
	return "NONE"
}

func (w *writeState) upgradeToDataWrites() error {
	switch *w {
	case writeSchema:
		return newFailure(ErrInvalidTransactionType, StatusInvalidType, nil,
			"Cannot perform data updates in a transaction that has performed schema updates.")
	case writeNone:
		*w = writeData
	}
	return nil
}

func (w *writeState) upgradeToSchemaWrites() error {
	switch *w {
	case writeData:
		return newFailure(ErrInvalidTransactionType, StatusInvalidType, nil,
			"Cannot perform schema updates in a transaction that has performed data updates.")
	case writeNone:
		*w = writeSchema
	}
	return nil
}
