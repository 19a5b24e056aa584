package monitoring

import (
	"github.com/shopspring/decimal"
)

// AlertLevel 严重级别，仅作为处置决策的属性存在.
type AlertLevel string

const (
	AlertLow    AlertLevel = "LOW"
	AlertMedium AlertLevel = "MEDIUM"
	AlertHigh   AlertLevel = "HIGH"
)

// 安全事件类型.
const (
	IncidentUnauthorizedAccess       = "UNAUTHORIZED_ACCESS"
	IncidentSuspiciousTransaction    = "SUSPICIOUS_TRANSACTION"
	IncidentDataBreach               = "DATA_BREACH"
	IncidentPerformance              = "PERFORMANCE"
	IncidentSuspiciousBehavior       = "SUSPICIOUS_BEHAVIOR"
	IncidentSuspiciousBlockchain     = "SUSPICIOUS_BLOCKCHAIN_EVENT"
	IncidentSuspiciousAssetOperation = "SUSPICIOUS_ASSET_OPERATION"
	IncidentSuspiciousInvestment     = "SUSPICIOUS_INVESTMENT"
	IncidentUnusualReturns           = "UNUSUAL_RETURNS"
)

// 总线事件名.
const (
	EventTransaction      = "transaction"
	EventSecurity         = "security"
	EventUserAction       = "user_action"
	EventBlockchain       = "blockchain"
	EventSecurityAlert    = "security_alert"
	EventPerformanceAlert = "performance_alert"
	EventComplianceAlert  = "compliance_alert"
	EventBlockchainEvent  = "blockchain_event"
)

// BlockchainEvent 由账本监听器产生的原始链上事件.
type BlockchainEvent struct {
	CanisterID string `json:"canisterId" binding:"required"`
	EventType  string `json:"eventType" binding:"required"`
	Data       any    `json:"data,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// SecurityIncident 检测到的安全异常. Severity 为上报方声明的级别，可为空.
type SecurityIncident struct {
	ID                 string         `json:"id,omitempty"`
	Type               string         `json:"type" binding:"required"`
	Severity           AlertLevel     `json:"severity,omitempty"`
	UserID             string         `json:"userId,omitempty"`
	IPAddress          string         `json:"ipAddress,omitempty"`
	TransactionID      string         `json:"transactionId,omitempty"`
	AffectedSystems    []string       `json:"affectedSystems,omitempty"`
	AffectedUsers      []string       `json:"affectedUsers,omitempty"`
	AffectedAssets     []string       `json:"affectedAssets,omitempty"`
	DataClassification string         `json:"dataClassification,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
	Timestamp          int64          `json:"timestamp,omitempty"`
}

// Transaction 平台交易.
type Transaction struct {
	ID        string          `json:"id" binding:"required"`
	UserID    string          `json:"userId" binding:"required"`
	Type      string          `json:"type" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// UserAction 用户行为记录.
type UserAction struct {
	UserID    string         `json:"userId" binding:"required"`
	Action    string         `json:"action" binding:"required"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// 资产操作类型.
const (
	AssetCreate   = "create"
	AssetUpdate   = "update"
	AssetTransfer = "transfer"
)

// AssetOperation 农业资产的生命周期操作.
type AssetOperation struct {
	ID        string           `json:"id,omitempty"`
	AssetID   string           `json:"assetId" binding:"required"`
	Operation string           `json:"operation" binding:"required"`
	Actor     string           `json:"actor,omitempty"`
	Value     *decimal.Decimal `json:"value,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Investment 投资人对资产的一笔投资.
type Investment struct {
	ID         string          `json:"id,omitempty"`
	AssetID    string          `json:"assetId" binding:"required"`
	InvestorID string          `json:"investorId" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  int64           `json:"timestamp"`
}

// Returns 资产在某个周期的收益分配.
type Returns struct {
	ID        string          `json:"id,omitempty"`
	AssetID   string          `json:"assetId" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Period    string          `json:"period,omitempty"`
	Timestamp int64           `json:"timestamp"`
}
