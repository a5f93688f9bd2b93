package types

// Row is a persisted queue entry: the heartbeat's dedup id and its
// serialized payload, ready to transmit.
type Row struct {
	// ID is the heartbeat row key; several rows may share one
	ID string `json:"id"`

	// Payload is the JSON body exactly as it goes on the wire
	Payload string `json:"heartbeat"`
}

// NewRow validates and serializes a heartbeat into a queue row.
func NewRow(h Heartbeat) (Row, error) {
	if err := h.Validate(); err != nil {
		return Row{}, err
	}
	payload, err := h.Payload()
	if err != nil {
		return Row{}, err
	}
	return Row{ID: h.RowKey(), Payload: payload}, nil
}

// IsZero reports whether r is the empty result of a pop.
func (r Row) IsZero() bool {
	return r.ID == "" && r.Payload == ""
}
