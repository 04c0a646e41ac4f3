package relay

import (
	"time"

	"collabSync/backend/internal/ot/delta"
)

const EventOpApplied = "OP_APPLIED"

type DocOpEvent struct {
	EventType    string            `json:"eventType"`
	DocID        string            `json:"docId"`
	OperationID  string            `json:"operationId"`
	Revision     uint64            `json:"revision"`
	AuthorID     string            `json:"authorId"`
	OriginID     string            `json:"originId"`
	ClientSeq    uint64            `json:"clientSeq"`
	BaseRevision uint64            `json:"baseRevision"`
	Operations   []delta.Operation `json:"operations"`
	AppliedAt    time.Time         `json:"appliedAt"`
}

func NewDocOpEvent(op AppliedOp) DocOpEvent {
	return DocOpEvent{
		EventType:    EventOpApplied,
		DocID:        op.DocumentID,
		OperationID:  op.OperationID,
		Revision:     op.Revision,
		AuthorID:     op.AuthorID,
		OriginID:     op.OriginID,
		ClientSeq:    op.ClientSeq,
		BaseRevision: op.BaseRevision,
		Operations:   op.Operations,
		AppliedAt:    op.AppliedAt,
	}
}
