package types

// WALRecord is one durably appended, sequenced payload. It carries
// everything needed to reconstruct history, expected_seq, next_seq and
// seen_payload_ids on replay.
type WALRecord struct {
	Epoch       Epoch     `json:"epoch"`
	Seq         Seq       `json:"seq"`
	PayloadID   PayloadID `json:"payload_id"`
	SubmitterID NodeID    `json:"submitter_id"`
	Body        []byte    `json:"body"`
}

// ToOrder renders the WAL record as the OrderRecord it was created from.
func (r WALRecord) ToOrder() OrderRecord {
	return OrderRecord{
		Epoch: r.Epoch,
		Seq:   r.Seq,
		PayloadRecord: PayloadRecord{
			PayloadID:   r.PayloadID,
			SubmitterID: r.SubmitterID,
			Body:        r.Body,
		},
	}
}

// WALRecordFromOrder builds the durable record for a sequenced order.
func WALRecordFromOrder(o OrderRecord) WALRecord {
	return WALRecord{
		Epoch:       o.Epoch,
		Seq:         o.Seq,
		PayloadID:   o.PayloadID,
		SubmitterID: o.SubmitterID,
		Body:        o.Body,
	}
}
