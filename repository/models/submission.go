package models

import "time"

// Submission is the journal row of one resolved custody submission. It is an
// audit trail; product state is only ever read from the ledger.
type Submission struct {
	ID            string     `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	AssetID       uint64     `json:"asset_id" gorm:"column:asset_id;index;not null"`
	Action        string     `json:"action" gorm:"column:action;type:varchar(20);not null"`
	Actor         string     `json:"actor" gorm:"column:actor;type:varchar(42);index;not null"`
	Label         string     `json:"label,omitempty" gorm:"column:label;type:text"`
	Recipient     string     `json:"recipient,omitempty" gorm:"column:recipient;type:varchar(42)"`
	Status        string     `json:"status" gorm:"column:status;type:varchar(20);not null"`
	Failure       string     `json:"failure,omitempty" gorm:"column:failure;type:varchar(30)"`
	FailureDetail string     `json:"failure_detail,omitempty" gorm:"column:failure_detail;type:text"`
	TxHash        string     `json:"tx_hash,omitempty" gorm:"column:tx_hash;type:varchar(66)"`
	BlockHeight   int64      `json:"block_height" gorm:"column:block_height"`
	GasUsed       int64      `json:"gas_used" gorm:"column:gas_used"`
	SubmittedAt   time.Time  `json:"submitted_at" gorm:"column:submitted_at;not null"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" gorm:"column:resolved_at"`
}

func (Submission) TableName() string {
	return "submissions"
}
